package bus

import (
	"encoding/json"
	"runtime/debug"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/wirebeam/pushfabric/internal/domain/model"
)

// [INFRASTRUCTURE_BRIDGE]
// Bind connects the Watermill consumer to the delivery fan-out, handling
// Panic Recovery and Poison Pill protection. The fabric channel is
// fire-and-forget: every outcome ACKs, because redelivery of a realtime
// envelope is worse than losing it.
func Bind(c *Consumer) message.NoPublishHandlerFunc {
	return func(msg *message.Message) error {
		// [PANIC_RECOVERY]
		// Safely handle runtime panics to keep the consumer alive.
		defer func() {
			if r := recover(); r != nil {
				c.logger.Error("PANIC_RECOVERED",
					"err", r,
					"stack", string(debug.Stack()),
					"msg_id", msg.UUID)
			}
		}()

		// [DECODING]
		env := new(model.Envelope)
		if err := json.Unmarshal(msg.Payload, env); err != nil {
			c.logger.Error("DECODE_FAILED", "err", err, "msg_id", msg.UUID)
			return nil // ACK: Poison Pill protection.
		}

		// [LOCAL_RESOLUTION]
		// The fan-out filters on local connectivity itself; envelopes with
		// no local recipients are a cheap no-op.
		if err := c.fanout.Deliver(msg.Context(), env); err != nil {
			c.logger.Error("DELIVERY_FAILED", "err", err, "msg_id", msg.UUID, "kind", env.Kind)
		}

		return nil
	}
}
