package sqsio

// Handler processes one received message. Returning nil acknowledges it.
type Handler func(m *Message) error

// Consume registers h as a message listener. Messages h accepts are acked;
// rejected messages stay in the queue and reappear once their visibility
// timeout lapses, while the handler error goes to the error listeners.
func (r *Reader) Consume(h Handler) {
	if h == nil {
		return
	}
	r.OnMessage(func(m *Message) {
		if err := h(m); err != nil {
			r.metrics.rejected.Inc()
			r.errors.emitError(errorf(err, "handler rejected message %q", m.ID))
			return
		}
		_ = m.Ack()
	})
}
