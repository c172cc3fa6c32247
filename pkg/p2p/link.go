package p2p

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

const writeDeadline = 2 * time.Second

// link is one TCP data channel to a peer.
type link struct {
	peerID   string
	conn     net.Conn
	outgoing chan Envelope
	inbound  chan []byte
	done     chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error
	onClose   func(*link)
}

func newLink(peerID string, conn net.Conn, cfg Config, onClose func(*link)) *link {
	return &link{
		peerID:   peerID,
		conn:     conn,
		outgoing: make(chan Envelope, cfg.OutboxSize),
		inbound:  make(chan []byte, cfg.InboxSize),
		done:     make(chan struct{}),
		onClose:  onClose,
	}
}

func (l *link) start() {
	go l.readLoop()
	go l.writeLoop()
}

func (l *link) PeerID() string         { return l.peerID }
func (l *link) Inbound() <-chan []byte { return l.inbound }
func (l *link) Done() <-chan struct{}  { return l.done }

func (l *link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *link) Close() error {
	l.closeWith(nil)
	return nil
}

func (l *link) closeWith(err error) {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.err = err
		l.mu.Unlock()
		close(l.done)
		l.conn.Close()
		if l.onClose != nil {
			l.onClose(l)
		}
	})
}

func (l *link) send(payload []byte) error {
	select {
	case <-l.done:
		return newError("send", l.peerID, ErrUnreachable, errors.New("link closed"))
	default:
	}
	select {
	case l.outgoing <- NewEnvelope(MessageTypeData, payload).Clone():
		return nil
	default:
		return newError("send", l.peerID, ErrBufferFull, nil)
	}
}

func (l *link) readLoop() {
	for {
		env, err := ReadEnvelope(l.conn)
		if err != nil {
			l.fail(err)
			return
		}
		if env.Type != MessageTypeData {
			continue
		}
		select {
		case l.inbound <- env.Payload:
		default:
			log.Tracef("inbound queue full for %s, dropping frame", l.peerID)
		}
	}
}

func (l *link) writeLoop() {
	for {
		select {
		case env := <-l.outgoing:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := WriteEnvelope(l.conn, env); err != nil {
				l.fail(err)
				return
			}
		case <-l.done:
			return
		}
	}
}

// fail closes the link after an I/O error. A clean EOF from the peer is not an error.
func (l *link) fail(err error) {
	select {
	case <-l.done:
		return
	default:
	}
	if errors.Is(err, io.EOF) {
		l.closeWith(nil)
		return
	}
	log.Debugf("link to %s failed: %v", l.peerID, err)
	l.closeWith(newError("link", l.peerID, classify(err), err))
}
