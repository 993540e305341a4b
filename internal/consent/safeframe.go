package consent

import (
	"context"
	"sync"
)

const safeFrameReturnMessage = "cmpReturn"

func lookupSafeFrame(ctx context.Context, sf SafeFrame, req Request) (*Consent, error) {
	width, height := req.Width, req.Height
	if width <= 0 || height <= 0 {
		width, height = 1, 1
	}

	resultCh := make(chan *Consent, 1)
	var once sync.Once
	sf.Register(width, height, func(msgName string, data SafeFrameData) {
		if msgName != safeFrameReturnMessage {
			return
		}
		once.Do(func() { resultCh <- data.VendorConsents })
	})
	sf.CMP(CommandGetVendorConsents)

	select {
	case c := <-resultCh:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
