package relay

import (
	"context"
	"fmt"

	"dms-go/internal/config"
	"dms-go/internal/dms"
)

// NewClientFromConfig creates a Mux with the transports enabled in cfg.
func NewClientFromConfig(ctx context.Context, cfg config.RelayConfig, metrics dms.Metrics) (*Mux, error) {
	mux := NewMux(cfg.Timeout.Duration, metrics)
	for _, name := range cfg.Transports {
		switch name {
		case "ws":
			mux.Register(NewWebSocketTransport(cfg.MaxIdleConns), "ws", "wss")
		case "s3":
			t, err := NewS3TransportFromConfig(ctx, cfg.S3)
			if err != nil {
				mux.Close()
				return nil, err
			}
			mux.Register(t, "s3")
		case "file":
			mux.Register(FileSystemTransport{}, "file")
		case "mem":
			mux.Register(NewMemoryTransport(), "mem")
		default:
			mux.Close()
			return nil, fmt.Errorf("unknown relay transport: %s", name)
		}
	}
	return mux, nil
}
