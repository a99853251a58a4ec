package bots

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jimdaga/colloquium/internal/models"
)

// Bot is an installed bot: manifest, behavior and database row
type Bot struct {
	Manifest     *Manifest
	Definition   Definition
	Installation *models.BotInstallation
}

// ID returns the bot's id
func (b *Bot) ID() string {
	return b.Definition.ID
}

// Enabled reports whether the installation is switched on
func (b *Bot) Enabled() bool {
	return b.Installation == nil || b.Installation.IsEnabled
}

// Name returns the display name
func (b *Bot) Name() string {
	if b.Installation != nil && b.Installation.Name != "" {
		return b.Installation.Name
	}
	if b.Manifest != nil && b.Manifest.Name != "" {
		return b.Manifest.Name
	}
	return b.Definition.ID
}

// Registry holds installed bots keyed by id
type Registry struct {
	mu   sync.RWMutex
	bots map[string]*Bot
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{bots: make(map[string]*Bot)}
}

// Register adds a bot. Returns an error if the id is already registered.
func (r *Registry) Register(bot *Bot) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.bots[bot.ID()]; exists {
		return fmt.Errorf("bot %q already registered", bot.ID())
	}
	r.bots[bot.ID()] = bot
	return nil
}

// Get retrieves a bot by id
func (r *Registry) Get(id string) (*Bot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	bot, ok := r.bots[id]
	return bot, ok
}

// List returns every registered bot sorted by id
func (r *Registry) List() []*Bot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*Bot, 0, len(r.bots))
	for _, bot := range r.bots {
		list = append(list, bot)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].ID() < list[j].ID()
	})
	return list
}

// Enabled returns the enabled bots sorted by id
func (r *Registry) Enabled() []*Bot {
	var out []*Bot
	for _, bot := range r.List() {
		if bot.Enabled() {
			out = append(out, bot)
		}
	}
	return out
}

// Count returns the number of registered bots
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bots)
}

// Match resolves a mention token to an enabled bot: exact id first, then a
// case-insensitive prefix of the first word of the bot's name.
func (r *Registry) Match(token string) (*Bot, bool) {
	if token == "" {
		return nil, false
	}
	if bot, ok := r.Get(token); ok && bot.Enabled() {
		return bot, true
	}

	lower := strings.ToLower(token)
	enabled := r.Enabled()
	for _, bot := range enabled {
		if strings.ToLower(bot.ID()) == lower {
			return bot, true
		}
	}
	for _, bot := range enabled {
		fields := strings.Fields(bot.Name())
		if len(fields) > 0 && strings.HasPrefix(strings.ToLower(fields[0]), lower) {
			return bot, true
		}
	}
	return nil, false
}

// SubscribersOf lists enabled bots with a handler for event
func (r *Registry) SubscribersOf(event string) []string {
	var ids []string
	for _, bot := range r.Enabled() {
		if _, ok := bot.Definition.Events[event]; ok {
			ids = append(ids, bot.ID())
		}
	}
	return ids
}

func sortedStrings(values []string) []string {
	sort.Strings(values)
	return values
}
