package services

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"storeflow/internal/models"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RunFeedMessage is pushed to websocket subscribers on each run transition.
type RunFeedMessage struct {
	Type      string               `json:"type"`
	StoreID   uint                 `json:"store_id"`
	Run       models.AutomationRun `json:"run"`
	Timestamp time.Time            `json:"timestamp"`
}

type feedClient struct {
	id      string
	storeID uint
	conn    *websocket.Conn
	send    chan RunFeedMessage
	feed    *RunFeed
}

// RunFeed is a websocket hub streaming run transitions to operators of the
// same store. It is a RunObserver of the ledger.
type RunFeed struct {
	clients    map[string]*feedClient
	broadcast  chan RunFeedMessage
	register   chan *feedClient
	unregister chan *feedClient
	done       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *logrus.Logger
}

func NewRunFeed(logger *logrus.Logger) *RunFeed {
	if logger == nil {
		logger = logrus.New()
	}
	return &RunFeed{
		clients:    make(map[string]*feedClient),
		broadcast:  make(chan RunFeedMessage, 256),
		register:   make(chan *feedClient),
		unregister: make(chan *feedClient),
		done:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// 管理端 API 已经做了鉴权
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Run pumps hub events until ctx is done.
func (f *RunFeed) Run(ctx context.Context) {
	defer close(f.done)
	for {
		select {
		case <-ctx.Done():
			f.mu.Lock()
			for id, c := range f.clients {
				close(c.send)
				delete(f.clients, id)
			}
			f.mu.Unlock()
			return

		case c := <-f.register:
			f.mu.Lock()
			f.clients[c.id] = c
			f.mu.Unlock()
			f.logger.Debugf("run feed: client %s connected (store %d)", c.id, c.storeID)

		case c := <-f.unregister:
			f.mu.Lock()
			if _, ok := f.clients[c.id]; ok {
				delete(f.clients, c.id)
				close(c.send)
			}
			f.mu.Unlock()

		case msg := <-f.broadcast:
			f.mu.Lock()
			for id, c := range f.clients {
				if c.storeID != msg.StoreID {
					continue
				}
				select {
				case c.send <- msg:
				default:
					// 慢客户端直接断开
					close(c.send)
					delete(f.clients, id)
				}
			}
			f.mu.Unlock()
		}
	}
}

// OnRunTransition never blocks the ledger; messages are dropped when the hub
// is saturated.
func (f *RunFeed) OnRunTransition(run models.AutomationRun) {
	msg := RunFeedMessage{Type: "run." + string(run.Status), StoreID: run.StoreID, Run: run, Timestamp: time.Now().UTC()}
	select {
	case f.broadcast <- msg:
	default:
		f.logger.Debug("run feed: broadcast buffer full, dropping message")
	}
}

// ClientCount 当前连接数
func (f *RunFeed) ClientCount() int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.clients)
}

// Serve upgrades the request and streams the store's run transitions.
func (f *RunFeed) Serve(w http.ResponseWriter, r *http.Request, storeID uint) error {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	c := &feedClient{
		id:      uuid.NewString(),
		storeID: storeID,
		conn:    conn,
		send:    make(chan RunFeedMessage, 64),
		feed:    f,
	}
	select {
	case f.register <- c:
	case <-f.done:
		conn.Close()
		return errors.New("run feed stopped")
	}
	go c.writePump()
	go c.readPump()
	return nil
}

// readPump only handles control frames; the feed is server to client.
func (c *feedClient) readPump() {
	defer func() {
		select {
		case c.feed.unregister <- c:
		case <-c.feed.done:
		}
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	_ = c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.feed.logger.Warnf("run feed: read error: %v", err)
			}
			return
		}
	}
}

func (c *feedClient) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
