package generate

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"sync"
)

// Response is one renderable reply variant: the template text, the emote keys
// it animates with, and optional button styling.
type Response struct {
	Message string
	Emotes  map[string]string
	Styles  map[string]string
}

// Flow links a user message type to the reply key it triggers, the button
// options shown with the reply, and the device actions it queues.
type Flow struct {
	ResponseKey string
	Options     []string
	Actions     map[string]string
}

// Corpus is the in-memory dialogue table behind the templated generator:
// responses keyed by (message type, language) and flows keyed by the user's
// message type. Safe for concurrent use; lookups vastly outnumber writes.
type Corpus struct {
	mu        sync.RWMutex
	responses map[string]map[string][]Response // key -> lang -> variants
	flows     map[string]Flow

	pick func(n int) int
}

// NewCorpus creates an empty corpus.
func NewCorpus() *Corpus {
	return &Corpus{
		responses: make(map[string]map[string][]Response),
		flows:     make(map[string]Flow),
		pick:      rand.Intn,
	}
}

// AddResponse registers one reply variant under key and lang.
func (c *Corpus) AddResponse(key, lang string, resp Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.responses[key] == nil {
		c.responses[key] = make(map[string][]Response)
	}
	c.responses[key][lang] = append(c.responses[key][lang], resp)
}

// AddFlow registers the flow triggered by a user message type.
func (c *Corpus) AddFlow(messageType string, flow Flow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flows[messageType] = flow
}

// Response samples one variant for key in lang. The second return is false
// when no variant exists for that combination.
func (c *Corpus) Response(key, lang string) (Response, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	variants := c.responses[key][lang]
	if len(variants) == 0 {
		return Response{}, false
	}
	return variants[c.pick(len(variants))], true
}

// Flow returns the flow for a user message type.
func (c *Corpus) Flow(messageType string) (Flow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	flow, ok := c.flows[messageType]
	return flow, ok
}

// corpusFile is the on-disk shape accepted by LoadFile.
type corpusFile struct {
	Responses map[string]map[string][]struct {
		Message string            `json:"message"`
		Emotes  map[string]string `json:"emotes,omitempty"`
		Styles  map[string]string `json:"styles,omitempty"`
	} `json:"responses"`
	Flows map[string]struct {
		ResponseKey string            `json:"response_key,omitempty"`
		Options     []string          `json:"options,omitempty"`
		Actions     map[string]string `json:"actions,omitempty"`
	} `json:"flows"`
}

// LoadFile merges a JSON dialogue file into the corpus. A missing file is not
// an error so the daemon can start with an empty table.
func (c *Corpus) LoadFile(path string) error {
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read dialogue file %s: %w", path, err)
	}

	var file corpusFile
	if err := json.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse dialogue file %s: %w", path, err)
	}

	for key, langs := range file.Responses {
		for lang, variants := range langs {
			for _, v := range variants {
				c.AddResponse(key, lang, Response{
					Message: v.Message,
					Emotes:  v.Emotes,
					Styles:  v.Styles,
				})
			}
		}
	}
	for messageType, f := range file.Flows {
		c.AddFlow(messageType, Flow{
			ResponseKey: f.ResponseKey,
			Options:     f.Options,
			Actions:     f.Actions,
		})
	}
	return nil
}
