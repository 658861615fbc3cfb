package events

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Notify(ctx, Event{Type: RequestCreated})
		}()
	}
	wg.Wait()
	assert.Len(t, r.Types(), 20)

	r2 := &Recorder{}
	r2.Notify(ctx, Event{Type: TransactionCompleted})
	r2.Notify(ctx, Event{Type: RequestAccepted})
	assert.Equal(t, []string{TransactionCompleted, RequestAccepted}, r2.Types())

	Nop{}.Notify(ctx, Event{Type: TransactionFailed})
}
