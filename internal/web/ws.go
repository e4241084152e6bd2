package web

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hirosukedayo/kotei-lens-sub000/internal/feed"
	"github.com/hirosukedayo/kotei-lens-sub000/internal/session"
)

const (
	// A sensor message is one feed record; anything bigger is garbage.
	sensorReadLimit = 4096

	// A handset that streams nothing for this long has gone away.
	sensorIdleLimit = 60 * time.Second

	poseWriteTimeout = 5 * time.Second
	poseSendBuffer   = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The kiosk serves only its own site LAN; the viewer page may be
	// reached by IP or by the mDNS name, so origins vary.
	CheckOrigin: func(*http.Request) bool { return true },
}

// sensorsHandler ingests device sensor events. Each message is one
// JSON record in the recorded-feed format, so a recorded file and a
// live handset exercise the same parser. Messages are applied in
// arrival order; malformed ones are dropped and counted. A non-nil
// record sink sees every valid record before the session does.
func sensorsHandler(sessions *session.Manager, record func(feed.Record)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessions.Get(r.URL.Query().Get("session"))
		if sess == nil {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade already wrote the error response.
			return
		}
		defer c.Close()

		// Tear the socket down when the session it serves stops, which
		// unblocks the pending read below.
		handlerDone := make(chan struct{})
		defer close(handlerDone)
		go func() {
			select {
			case <-sess.Done():
				_ = c.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
					time.Now().Add(time.Second))
				_ = c.Close()
			case <-handlerDone:
			}
		}()

		c.SetReadLimit(sensorReadLimit)
		var bad uint64
		for {
			_ = c.SetReadDeadline(time.Now().Add(sensorIdleLimit))
			_, data, err := c.ReadMessage()
			if err != nil {
				if bad > 0 {
					log.Printf("web: sensor socket closed session=%s bad=%d", sess.ID(), bad)
				}
				return
			}

			rec, err := feed.ParseRecord(data)
			if err != nil {
				bad++
				continue
			}
			if record != nil {
				record(rec)
			}
			now := time.Now()
			switch rec.Type {
			case feed.KindOrientation:
				if smp, ok := rec.OrientationSample(now); ok {
					sess.EnqueueOrientation(smp)
				}
			case feed.KindGeolocation:
				if fix, ok := rec.GeoFix(now); ok {
					sess.EnqueueGeolocation(fix)
				}
			case feed.KindProgress:
				_ = sess.ReportProgress(rec.Value)
			}
		}
	}
}

// poseHandler streams per-frame pose updates to the render client.
// The subscription buffer drops frames when the client lags; the frame
// loop never waits on a socket.
func poseHandler(sessions *session.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := sessions.Get(r.URL.Query().Get("session"))
		if sess == nil {
			http.Error(w, "no active session", http.StatusNotFound)
			return
		}

		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()

		sub := sess.Subscribe(poseSendBuffer)
		defer sub.Close()

		// The read pump only services control frames and detects the
		// client going away.
		go func() {
			for {
				if _, _, err := c.NextReader(); err != nil {
					_ = c.Close()
					return
				}
			}
		}()

		for u := range sub.C {
			_ = c.SetWriteDeadline(time.Now().Add(poseWriteTimeout))
			if err := c.WriteJSON(u); err != nil {
				return
			}
		}

		// Channel closed: the session is gone. Tell the client before
		// hanging up so it can show the restart screen.
		_ = c.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "session closed"),
			time.Now().Add(time.Second))
	}
}
