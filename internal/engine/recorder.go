package engine

// Recorder receives one structured entry per notable dispatch event
// (§4.9/§4.10: AuditLog and TraceCollector share this shape). fields carry
// whatever detail is relevant to entryType (ruleId, correlationId,
// durationMs, reason, ...); Record must not block the dispatcher, and a
// panicking Recorder must not be allowed to break dispatch — NewDispatcher
// wraps every recorder in safeRecorder, which recovers and drops the panic.
type Recorder interface {
	Record(entryType string, fields map[string]any)
}

// noopRecorder discards every entry; used when the engine is built without
// an audit log or trace collector.
type noopRecorder struct{}

func (noopRecorder) Record(string, map[string]any) {}

// safeRecorder isolates a Recorder so a panic inside Record never
// propagates into the dispatcher goroutine (§5: "Subscriber handlers that
// panic or error are isolated").
type safeRecorder struct {
	inner Recorder
}

func (s safeRecorder) Record(entryType string, fields map[string]any) {
	defer func() { _ = recover() }()
	s.inner.Record(entryType, fields)
}
