package transport_test

import (
	"context"
	"fmt"

	"github.com/srediag/pcipc/internal/metrics"
	"github.com/srediag/pcipc/pkg/transport"
)

func ExampleMemoryChannel() {
	ctx := context.Background()
	ch := transport.NewMemoryChannel(4, metrics.New(nil))

	go func() {
		_, _ = ch.SendMessages(ctx, []byte("ping"), 3)
		_ = ch.CloseSend(ctx)
	}()
	n, err := ch.Receive(ctx, func(msg []byte) error {
		fmt.Println("received:", string(msg))
		return nil
	})
	fmt.Println(n, err)
	// Output:
	// received: ping
	// received: ping
	// received: ping
	// 3 <nil>
}
