package router

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// startKeepalive sets a read deadline, extends it on every pong, and pings
// the peer every interval. mu must guard all writes to conn. The returned
// function stops the pinger.
func startKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval, pongWait time.Duration) (cancel func()) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	var once sync.Once
	return func() { once.Do(func() { close(done) }) }
}
