package port

import "context"

// Bridge copies frames in both directions until either side disconnects,
// then closes both. It blocks until both pumps have finished.
func Bridge(a, b Port) {
	finished := make(chan struct{}, 2)
	pump := func(src, dst Port) {
		_ = Consume(context.Background(), src, func(frame []byte) {
			if err := dst.Send(frame); err != nil {
				_ = src.Close()
			}
		})
		finished <- struct{}{}
	}

	go pump(a, b)
	go pump(b, a)

	<-finished
	_ = a.Close()
	_ = b.Close()
	<-finished
}
