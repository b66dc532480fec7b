package render

import "errors"

var (
	_ Renderer = Multi(nil)
	_ Notifier    = Multi(nil)
	_ Interrupter = Multi(nil)
)

// Multi fans every event out to each renderer in order.
type Multi []Renderer

// RenderText implements [Renderer].
func (m Multi) RenderText(text string) {
	for _, r := range m {
		r.RenderText(text)
	}
}

// RenderAudio implements [Renderer].
func (m Multi) RenderAudio(pcm []byte) {
	for _, r := range m {
		r.RenderAudio(pcm)
	}
}

// TurnDone implements [Renderer].
func (m Multi) TurnDone() {
	for _, r := range m {
		r.TurnDone()
	}
}

// Interrupt forwards to every renderer that implements [Interrupter].
func (m Multi) Interrupt() {
	for _, r := range m {
		if ir, ok := r.(Interrupter); ok {
			ir.Interrupt()
		}
	}
}

// Notify forwards msg to the first renderer that implements [Notifier].
func (m Multi) Notify(msg string) {
	for _, r := range m {
		if n, ok := r.(Notifier); ok {
			n.Notify(msg)
			return
		}
	}
}

// Close closes every renderer and joins their errors.
func (m Multi) Close() error {
	var errs []error
	for _, r := range m {
		if err := r.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
