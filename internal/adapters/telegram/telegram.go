// Package telegram delivers alerts to a Telegram chat. It is the sink
// driver for headless hosts where no desktop notification service is
// available: posting sends a message, re-posting the same alert id
// edits it in place, withdrawing deletes it.
package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"appnotifier/internal/eventbus"
	"appnotifier/internal/notify"
	logx "appnotifier/pkg/logx"
)

const (
	cbOpen    = "open:"
	cbDismiss = "dismiss:"
)

type Config struct {
	Token       string
	ChatID      int64
	PollTimeout time.Duration
}

// Sink posts alerts as chat messages with Open/Dismiss buttons and
// reports button presses as feedback on the bus.
type Sink struct {
	log logx.Logger
	cfg Config
	bot *tele.Bot
	bus eventbus.Bus

	runMu   sync.Mutex
	running bool

	mu   sync.Mutex
	msgs map[string]int // alert id -> message id
}

func New(cfg Config, bus eventbus.Bus, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	timeout := cfg.PollTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		Token:  cfg.Token,
		Poller: &tele.LongPoller{Timeout: timeout},
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sink{log: log, cfg: cfg, bot: b, bus: bus, msgs: map[string]int{}}, nil
}

// Start begins the callback poll loop. Posting works without Start, but
// button feedback only flows while the poller runs.
func (s *Sink) Start(ctx context.Context) {
	s.runMu.Lock()
	if s.running {
		s.runMu.Unlock()
		return
	}
	s.running = true
	s.runMu.Unlock()

	s.bot.Handle(tele.OnCallback, func(c tele.Context) error {
		cb := c.Callback()
		if cb == nil {
			return nil
		}
		data := strings.TrimSpace(cb.Data)
		switch {
		case strings.HasPrefix(data, cbOpen):
			eventbus.PublishFeedback(s.bus, eventbus.TypeAlertClicked, strings.TrimPrefix(data, cbOpen))
		case strings.HasPrefix(data, cbDismiss):
			id := strings.TrimPrefix(data, cbDismiss)
			eventbus.PublishFeedback(s.bus, eventbus.TypeAlertDismissed, id)
			if err := s.Withdraw(context.Background(), id); err != nil {
				s.log.Debug("withdraw after dismiss failed", logx.String("alert", id), logx.Err(err))
			}
		}
		return c.Respond(&tele.CallbackResponse{})
	})

	go func() {
		<-ctx.Done()
		s.bot.Stop()
	}()
	go func() {
		s.log.Info("telegram polling started")
		s.bot.Start() // blocks until Stop
		s.log.Info("telegram polling stopped")
	}()
}

func (s *Sink) Post(ctx context.Context, id string, c notify.Content) error {
	text := render(c)
	markup := buttons(id)

	s.mu.Lock()
	msgID, exists := s.msgs[id]
	s.mu.Unlock()

	if exists {
		m := &tele.Message{ID: msgID, Chat: &tele.Chat{ID: s.cfg.ChatID}}
		_, err := s.bot.Edit(m, text, markup)
		if err == nil {
			return nil
		}
		// "message is not modified" means the edit was a no-op repost.
		if strings.Contains(err.Error(), "not modified") {
			return nil
		}
		s.log.Debug("edit failed; sending fresh message", logx.String("alert", id), logx.Err(err))
	}

	msg, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, text, markup)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.msgs[id] = msg.ID
	s.mu.Unlock()
	return nil
}

func (s *Sink) Withdraw(ctx context.Context, id string) error {
	s.mu.Lock()
	msgID, exists := s.msgs[id]
	delete(s.msgs, id)
	s.mu.Unlock()
	if !exists {
		return nil
	}
	return s.bot.Delete(&tele.Message{ID: msgID, Chat: &tele.Chat{ID: s.cfg.ChatID}})
}

func (s *Sink) Active(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.msgs))
	for id := range s.msgs {
		out = append(out, id)
	}
	return out, nil
}

func render(c notify.Content) string {
	var b strings.Builder
	b.WriteString(c.Title)
	if len(c.Lines) > 0 {
		for _, line := range c.Lines {
			b.WriteString("\n")
			b.WriteString(line)
		}
	} else if c.Body != "" {
		b.WriteString("\n")
		b.WriteString(c.Body)
	}
	return b.String()
}

// buttons builds the raw inline keyboard. Raw callback data (no
// telebot unique prefix) keeps the payload exactly what the handler
// parses back.
func buttons(id string) *tele.ReplyMarkup {
	return &tele.ReplyMarkup{
		InlineKeyboard: [][]tele.InlineButton{{
			{Text: "Open", Data: cbOpen + id},
			{Text: "Dismiss", Data: cbDismiss + id},
		}},
	}
}
