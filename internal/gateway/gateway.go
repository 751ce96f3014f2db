package gateway

import "log"

// Messenger defines the interface for communication gateways (Telegram, Discord, etc.)
type Messenger interface {
	// Start begins the message listening loop
	Start() error
	// Send sends a message to a specific chat
	Send(chatID string, text string) error
	// Stop gracefully shuts down the gateway
	Stop() error
}

// Fanout broadcasts every message to all configured gateways. A plan only
// carries one chat ID, so each gateway decides for itself whether the ID
// belongs to it; errors from the others are logged and swallowed.
type Fanout struct {
	Gateways []Messenger
}

func NewFanout(gws ...Messenger) *Fanout {
	return &Fanout{Gateways: gws}
}

func (f *Fanout) Start() error {
	for _, g := range f.Gateways {
		go func(m Messenger) {
			if err := m.Start(); err != nil {
				log.Printf("Gateway stopped: %v", err)
			}
		}(g)
	}
	return nil
}

func (f *Fanout) Send(chatID string, text string) error {
	var lastErr error
	delivered := false
	for _, g := range f.Gateways {
		if err := g.Send(chatID, text); err != nil {
			lastErr = err
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return lastErr
}

func (f *Fanout) Stop() error {
	for _, g := range f.Gateways {
		if err := g.Stop(); err != nil {
			log.Printf("Gateway stop failed: %v", err)
		}
	}
	return nil
}
