package bridge

import (
	"context"
	"errors"
	"log"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/switchboard/internal/protocol"
)

// ServeConn runs one telephony media stream to completion: wait for the
// start frame, bring the call up, then relay media until stop or
// disconnect. The websocket is closed on return.
func (b *Bridge) ServeConn(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	var (
		runner *Runner
		sid    string
	)
	defer func() {
		if runner != nil {
			runner.Teardown()
		}
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("[%s] media stream read error: %v", sid, err)
			}
			return
		}

		frame, err := protocol.ParseFrame(raw)
		if err != nil {
			if errors.Is(err, protocol.ErrUnsupportedEvent) {
				continue
			}
			log.Printf("[%s] dropping malformed frame: %v", sid, err)
			continue
		}

		switch msg := frame.(type) {
		case protocol.StartFrame:
			if runner != nil {
				log.Printf("[%s] duplicate start frame ignored", sid)
				continue
			}
			sid = msg.Start.CallSID
			if sid == "" {
				sid = msg.StreamSID
			}
			leg := newWSLeg(conn, msg.StreamSID)
			runner, err = b.StartCall(ctx, sid, leg)
			if err != nil {
				log.Printf("[%s] call setup failed: %v", sid, err)
				return
			}

		case protocol.MediaFrame:
			if runner == nil {
				continue
			}
			audio, err := protocol.DecodeMediaPayload(msg)
			if err != nil {
				log.Printf("[%s] %v", sid, err)
				continue
			}
			runner.HandleMedia(audio)

		case protocol.StopFrame:
			log.Printf("[%s] stop frame received", sid)
			return

		case protocol.Envelope, protocol.MarkFrame:
			// connected / mark frames carry no work.
		}
	}
}
