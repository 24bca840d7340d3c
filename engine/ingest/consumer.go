package ingest

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/isuwiki/isuwiki/pkg/natsutil"
)

const (
	// Subject is the NATS subject for incoming document submissions.
	Subject = "wiki.ingest"
	// DLQSubject is the dead letter queue subject for failed submissions.
	DLQSubject = "wiki.ingest.dlq"
	// MaxRetries before sending to DLQ.
	MaxRetries = 3
)

// dlqMessage is published to the DLQ on repeated failure.
type dlqMessage struct {
	Request Request `json:"request"`
	Error   string  `json:"error"`
	Retries int     `json:"retries"`
}

// StartConsumer subscribes to the ingestion subject and runs each submission
// through the pipeline with retry and DLQ support.
func StartConsumer(nc *nats.Conn, p *Processor, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}

	return nc.Subscribe(Subject, func(msg *nats.Msg) {
		var req Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		retries := 0
		if msg.Header != nil {
			if v := msg.Header.Get("X-Retry-Count"); v != "" {
				fmt.Sscanf(v, "%d", &retries)
			}
		}

		ctx := natsutil.ExtractContext(msg)
		resp, err := p.Process(ctx, req)
		if err == nil {
			log.Info("ingest: consumed", "doc_id", resp.DocID, "tenant", req.TenantSlug, "chunks", resp.ChunkCount)
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		retries++
		log.Error("ingest: pipeline failed",
			"error", err,
			"tenant", req.TenantSlug,
			"retry", retries,
		)

		if retries >= MaxRetries {
			dlq := dlqMessage{Request: req, Error: err.Error(), Retries: retries}
			data, _ := json.Marshal(dlq)
			if perr := nc.Publish(DLQSubject, data); perr != nil {
				log.Error("ingest: DLQ publish failed", "error", perr)
			}
		} else {
			retryMsg := nats.NewMsg(Subject)
			retryMsg.Data = msg.Data
			retryMsg.Header = nats.Header{}
			retryMsg.Header.Set("X-Retry-Count", fmt.Sprintf("%d", retries))
			if perr := nc.PublishMsg(retryMsg); perr != nil {
				log.Error("ingest: retry publish failed", "error", perr)
			}
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
