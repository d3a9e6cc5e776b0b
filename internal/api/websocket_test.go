package api

import (
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestHubRegister(t *testing.T) {
	tests := []struct {
		name      string
		closed    bool
		wantOK    bool
		wantCount int
	}{
		{"open hub", false, true, 1},
		{"closed hub", true, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHub()
			if tt.closed {
				h.Close()
			}

			client := &WSClient{ID: 1, quit: make(chan struct{})}
			if ok := h.register(client); ok != tt.wantOK {
				t.Errorf("register() = %v, want %v", ok, tt.wantOK)
			}
			if n := h.ClientCount(); n != tt.wantCount {
				t.Errorf("ClientCount() = %v, want %v", n, tt.wantCount)
			}

			if tt.wantOK {
				// stand in for the client's read and ping loops
				h.clients.Delete(client.ID)
				h.wg.Done()
				h.wg.Done()
			}
			h.Close()
		})
	}
}

func TestHubCloseDuringConnects(t *testing.T) {
	h := NewHub()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.Serve(w, r, "127.0.0.1")
	}))
	defer srv.Close()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")

	const dialers = 20
	var (
		mu    sync.Mutex
		conns []*websocket.Conn
		wg    sync.WaitGroup
	)
	start := make(chan struct{})
	for i := 0; i < dialers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			conn, _, err := websocket.DefaultDialer.Dial(url, nil)
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, conn)
			mu.Unlock()
		}()
	}

	close(start)
	time.Sleep(5 * time.Millisecond)
	h.Close()
	wg.Wait()

	if n := h.ClientCount(); n != 0 {
		t.Errorf("ClientCount() after Close = %v, want 0", n)
	}
	for _, conn := range conns {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		for {
			_, _, err := conn.ReadMessage()
			if err == nil {
				continue
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Errorf("connection still open after Close")
			}
			break
		}
		conn.Close()
	}
}
