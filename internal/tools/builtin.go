package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"
)

// NewDefaultRegistry returns a registry holding the built-in tools.
func NewDefaultRegistry() *Registry {
	r := NewRegistry()
	r.MustRegister(dictionaryLookup())
	r.MustRegister(newReviewScheduler(time.Now).handler())
	r.MustRegister(contentGenerate())
	return r
}

var dictionary = map[string]map[string]interface{}{
	"run": {
		"part_of_speech": "verb",
		"definition":     "to move swiftly on foot so that both feet leave the ground during each stride",
		"examples":       []string{"She runs every morning.", "The bus runs every ten minutes."},
	},
	"ephemeral": {
		"part_of_speech": "adjective",
		"definition":     "lasting a very short time",
		"examples":       []string{"Fame in the internet age is ephemeral."},
	},
	"serendipity": {
		"part_of_speech": "noun",
		"definition":     "the occurrence of events by chance in a happy or beneficial way",
		"examples":       []string{"They met by pure serendipity."},
	},
}

func dictionaryLookup() Handler {
	return Handler{
		Name:        "dictionary.lookup",
		Description: "Look up the definition of an English word.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {"word": {"type": "string", "minLength": 1}},
			"required": ["word"],
			"additionalProperties": false
		}`),
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Word string `json:"word"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			word := strings.ToLower(strings.TrimSpace(in.Word))
			entry, ok := dictionary[word]
			if !ok {
				return nil, fmt.Errorf("no entry for %q", in.Word)
			}
			out := map[string]interface{}{"word": word}
			for k, v := range entry {
				out[k] = v
			}
			return json.Marshal(out)
		},
	}
}

type cardSchedule struct {
	Repetitions  int     `json:"repetitions"`
	Ease         float64 `json:"ease"`
	IntervalDays int     `json:"interval_days"`
	DueAt        string  `json:"due_at"`
}

// reviewScheduler keeps SM-2 style spacing per card in memory.
type reviewScheduler struct {
	mu    sync.Mutex
	now   func() time.Time
	cards map[string]*cardSchedule
}

func newReviewScheduler(now func() time.Time) *reviewScheduler {
	return &reviewScheduler{now: now, cards: make(map[string]*cardSchedule)}
}

func (s *reviewScheduler) schedule(cardID string, grade int) cardSchedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.cards[cardID]
	if !ok {
		c = &cardSchedule{Ease: 2.5}
		s.cards[cardID] = c
	}

	if grade < 3 {
		c.Repetitions = 0
		c.IntervalDays = 1
	} else {
		switch c.Repetitions {
		case 0:
			c.IntervalDays = 1
		case 1:
			c.IntervalDays = 6
		default:
			c.IntervalDays = int(math.Round(float64(c.IntervalDays) * c.Ease))
		}
		c.Repetitions++
	}
	q := float64(5 - grade)
	c.Ease = math.Max(1.3, c.Ease+0.1-q*(0.08+q*0.02))
	c.DueAt = s.now().UTC().AddDate(0, 0, c.IntervalDays).Format(time.RFC3339)
	return *c
}

func (s *reviewScheduler) handler() Handler {
	return Handler{
		Name:        "review.schedule",
		Description: "Record a review grade (0-5) for a flashcard and schedule its next review.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"card_id": {"type": "string", "minLength": 1},
				"grade": {"type": "integer", "minimum": 0, "maximum": 5}
			},
			"required": ["card_id", "grade"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				CardID string `json:"card_id"`
				Grade  int    `json:"grade"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			out := s.schedule(in.CardID, in.Grade)
			return json.Marshal(map[string]interface{}{
				"card_id":       in.CardID,
				"repetitions":   out.Repetitions,
				"ease":          math.Round(out.Ease*100) / 100,
				"interval_days": out.IntervalDays,
				"due_at":        out.DueAt,
			})
		},
	}
}

func contentGenerate() Handler {
	return Handler{
		Name:        "content.generate",
		Description: "Generate study material about a topic as a summary, quiz or flashcards.",
		Schema: json.RawMessage(`{
			"type": "object",
			"properties": {
				"topic": {"type": "string", "minLength": 1},
				"format": {"enum": ["summary", "quiz", "flashcards"]},
				"count": {"type": "integer", "minimum": 1, "maximum": 20}
			},
			"required": ["topic", "format"]
		}`),
		Execute: func(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
			var in struct {
				Topic  string `json:"topic"`
				Format string `json:"format"`
				Count  int    `json:"count"`
			}
			if err := json.Unmarshal(args, &in); err != nil {
				return nil, err
			}
			if in.Count == 0 {
				in.Count = 3
			}
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			switch in.Format {
			case "summary":
				return json.Marshal(map[string]interface{}{
					"topic":   in.Topic,
					"summary": fmt.Sprintf("%s: key ideas, common pitfalls and a worked example.", in.Topic),
				})
			case "quiz":
				questions := make([]map[string]string, 0, in.Count)
				for i := 1; i <= in.Count; i++ {
					questions = append(questions, map[string]string{
						"question": fmt.Sprintf("Question %d about %s", i, in.Topic),
					})
				}
				return json.Marshal(map[string]interface{}{"topic": in.Topic, "questions": questions})
			default:
				cards := make([]map[string]string, 0, in.Count)
				for i := 1; i <= in.Count; i++ {
					cards = append(cards, map[string]string{
						"card_id": fmt.Sprintf("%s-%d", strings.ReplaceAll(strings.ToLower(in.Topic), " ", "-"), i),
						"front":   fmt.Sprintf("%s #%d", in.Topic, i),
					})
				}
				return json.Marshal(map[string]interface{}{"topic": in.Topic, "cards": cards})
			}
		},
	}
}
