// Package webstream pushes persisted locations to websocket clients as they
// are announced by the processor.
package webstream

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/phuslu/log"
	"nhooyr.io/websocket"

	"nuha.dev/gpspipeline/internal/api/sublist"
	"nuha.dev/gpspipeline/internal/broker"
)

type WebStreamConfig struct {
	ListenAddr       string
	Buffer           int
	WriteTimeout     time.Duration
	MaxSubscriptions int
}

type WebstreamServer struct {
	server     *http.Server
	log        log.Logger
	config     WebStreamConfig
	sublistmap *sublist.SublistMap
}

// controlMessage is what clients send. An empty subscribe list means every
// device.
type controlMessage struct {
	Subscribe   *[]int64 `json:"subscribe"`
	Unsubscribe []int64  `json:"unsubscribe"`
}

type controlReply struct {
	Subscribed []int64 `json:"subscribed"`
	All        bool    `json:"all"`
}

func NewWebstream(sublistmap *sublist.SublistMap, config WebStreamConfig) *WebstreamServer {
	if config.Buffer <= 0 {
		config.Buffer = 64
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.MaxSubscriptions <= 0 {
		config.MaxSubscriptions = 100
	}
	o := &WebstreamServer{config: config, sublistmap: sublistmap}
	o.server = &http.Server{
		Addr:           config.ListenAddr,
		Handler:        http.HandlerFunc(o.serve_http),
		ReadTimeout:    10 * time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	o.log = log.DefaultLogger
	o.log.Context = log.NewContext(nil).Str("module", "websocket").Value()
	return o
}

func (ws *WebstreamServer) Handler() http.Handler {
	return ws.server.Handler
}

// Run serves websocket clients until ctx is done.
func (ws *WebstreamServer) Run(ctx context.Context) error {
	ws.log.Info().Msgf("starting ws-server on : %s", ws.server.Addr)
	stop := context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = ws.server.Shutdown(sctx)
	})
	defer stop()
	err := ws.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Listen feeds notifications published on subject into the subscriber lists.
func (ws *WebstreamServer) Listen(nc *nats.Conn, subject string) (*nats.Subscription, error) {
	return nc.Subscribe(subject, func(m *nats.Msg) {
		err := ws.Deliver(m.Data)
		if err != nil {
			ws.log.Warn().Err(err).Bytes("data", m.Data).Msg("dropping bad notification")
		}
	})
}

// Deliver routes one encoded notification to its subscribers.
func (ws *WebstreamServer) Deliver(data []byte) error {
	var n broker.Notification
	err := json.Unmarshal(data, &n)
	if err != nil {
		return err
	}
	ws.sublistmap.Send(n.DeviceId, n.Timestamp, data)
	return nil
}

func (ws *WebstreamServer) serve_http(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, CompressionMode: websocket.CompressionDisabled,
	})
	if err != nil {
		ws.log.Error().Err(err).Msg("Error while upgrading websocket")
		return
	}
	ctx, cancel := context.WithCancel(r.Context())
	wc := &WebstreamClient{
		srv:     ws,
		c:       c,
		log:     ws.log,
		out:     make(chan []byte, ws.config.Buffer),
		sublist: make(map[int64]*sublist.Sublist),
	}
	ws.log.Info().Str("remote_address", r.RemoteAddr).Msg("websocket client connected")

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		wc.writeLoop(ctx)
	}()
	err = wc.readloop(ctx)
	cancel()
	wc.release()
	wg.Wait()

	pushed, skipped := atomic.LoadUint64(&wc.pushed), atomic.LoadUint64(&wc.skipped)
	ws.log.Info().Err(err).Str("remote_address", r.RemoteAddr).Uint64("pushed", pushed).Uint64("skipped", skipped).Msg("websocket client gone")
	if errors.Is(err, errTooManySubscriptions) {
		c.Close(websocket.StatusPolicyViolation, err.Error())
		return
	}
	c.Close(websocket.StatusNormalClosure, "")
}

var errTooManySubscriptions = errors.New("too many subscriptions")

type WebstreamClient struct {
	srv     *WebstreamServer
	c       *websocket.Conn
	log     log.Logger
	out     chan []byte
	closed  uint32
	pushed  uint64
	skipped uint64
	// owned by readloop
	sublist map[int64]*sublist.Sublist
	all     bool
}

// Push never blocks. Frames for a client that cannot keep up are skipped.
func (wc *WebstreamClient) Push(sender int64, d []byte) bool {
	if atomic.LoadUint32(&wc.closed) == 1 {
		return true
	}
	select {
	case wc.out <- d:
		atomic.AddUint64(&wc.pushed, 1)
	default:
		atomic.AddUint64(&wc.skipped, 1)
	}
	return false
}

func (wc *WebstreamClient) readloop(ctx context.Context) error {
	for {
		_, msg, err := wc.c.Read(ctx)
		if err != nil {
			return err
		}
		var cm controlMessage
		err = json.Unmarshal(msg, &cm)
		if err != nil {
			wc.log.Warn().Err(err).Msg("invalid control message")
			continue
		}
		for _, id := range cm.Unsubscribe {
			slist, ok := wc.sublist[id]
			if ok {
				slist.Unsubscribe(wc)
				delete(wc.sublist, id)
				wc.log.Trace().Msgf("unsubscribing from %d", id)
			}
		}
		if cm.Subscribe != nil {
			if len(*cm.Subscribe) == 0 && !wc.all {
				wc.all = true
				wc.srv.sublistmap.All().Subscribe(wc)
			}
			for _, id := range *cm.Subscribe {
				if _, ok := wc.sublist[id]; ok {
					continue
				}
				if len(wc.sublist) >= wc.srv.config.MaxSubscriptions {
					return errTooManySubscriptions
				}
				slist, _ := wc.srv.sublistmap.GetSublist(id, true)
				wc.sublist[id] = slist
				slist.Subscribe(wc)
				wc.log.Trace().Msgf("subscribing to %d", id)
			}
		}
		err = wc.reply(ctx)
		if err != nil {
			return err
		}
	}
}

// reply confirms the current subscriptions. It waits for room in the queue
// instead of being skipped.
func (wc *WebstreamClient) reply(ctx context.Context) error {
	r := controlReply{Subscribed: make([]int64, 0, len(wc.sublist)), All: wc.all}
	for id := range wc.sublist {
		r.Subscribed = append(r.Subscribed, id)
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	select {
	case wc.out <- b:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (wc *WebstreamClient) writeLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case d := <-wc.out:
			wctx, cancel := context.WithTimeout(ctx, wc.srv.config.WriteTimeout)
			err := wc.c.Write(wctx, websocket.MessageText, d)
			cancel()
			if err != nil {
				wc.log.Error().Err(err).Msg("Error while writing to connection")
				return
			}
		}
	}
}

func (wc *WebstreamClient) release() {
	atomic.StoreUint32(&wc.closed, 1)
	for id, slist := range wc.sublist {
		slist.Unsubscribe(wc)
		delete(wc.sublist, id)
	}
	if wc.all {
		wc.srv.sublistmap.All().Unsubscribe(wc)
	}
}
