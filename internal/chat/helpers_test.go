package chat

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/suPer8Hu/projectchat/internal/ai"
	"github.com/suPer8Hu/projectchat/internal/project"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(gormsqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	models := append(Models(), &project.Project{})
	require.NoError(t, db.AutoMigrate(models...))
	return db
}

// scriptedProvider replays a fixed event script and records what it was sent.
type scriptedProvider struct {
	name   string
	events []ai.Event
	noKey  bool
	panics bool

	reply  string
	runErr error

	mu        sync.Mutex
	streams   int
	runs      int
	lastMsgs  []ai.Message
	lastModel string
	lastOpts  ai.Options
}

func (p *scriptedProvider) Name() string        { return p.name }
func (p *scriptedProvider) HasCredential() bool { return !p.noKey }

func (p *scriptedProvider) StreamCompletion(ctx context.Context, messages []ai.Message, model string, opts ai.Options) <-chan ai.Event {
	p.mu.Lock()
	p.streams++
	p.lastMsgs = append([]ai.Message(nil), messages...)
	p.lastModel = model
	p.lastOpts = opts
	script := append([]ai.Event(nil), p.events...)
	p.mu.Unlock()
	if p.panics {
		panic("adapter bug")
	}

	out := make(chan ai.Event)
	go func() {
		defer close(out)
		for _, ev := range append(script, ai.DoneEvent()) {
			select {
			case out <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (p *scriptedProvider) RunCompletion(ctx context.Context, messages []ai.Message, model string, opts ai.Options) (ai.Completion, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs++
	if p.runErr != nil {
		return ai.Completion{}, p.runErr
	}
	if p.reply == "" {
		return ai.Completion{}, errors.New("no reply scripted")
	}
	return ai.Completion{Content: p.reply}, nil
}

func (p *scriptedProvider) streamCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.streams
}

// recordingSink keeps every event; failAt > 0 makes the failAt-th send fail.
type recordingSink struct {
	events []ai.Event
	failAt int
	sends  int
}

func (s *recordingSink) Send(ev ai.Event) error {
	s.sends++
	if s.failAt > 0 && s.sends >= s.failAt {
		return errors.New("write: broken pipe")
	}
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) types() []ai.EventType {
	out := make([]ai.EventType, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev.Type)
	}
	return out
}

func (s *recordingSink) first(typ ai.EventType) (ai.Event, int) {
	for i, ev := range s.events {
		if ev.Type == typ {
			return ev, i
		}
	}
	return ai.Event{}, -1
}

func (s *recordingSink) count(typ ai.EventType) int {
	n := 0
	for _, ev := range s.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type fixture struct {
	db       *gorm.DB
	repo     *Repo
	projects *project.Store
	registry *ai.Registry
	prov     *scriptedProvider
	orch     *Orchestrator
	svc      *Service
	pub      *fakePublisher
}

type fakePublisher struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (p *fakePublisher) PublishJob(_ context.Context, jobID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.jobs = append(p.jobs, jobID)
	return nil
}

// newFixture registers prov under both "openai" (project mode) and "fake".
func newFixture(t *testing.T, prov *scriptedProvider) *fixture {
	t.Helper()
	db := openTestDB(t)
	repo := NewRepo(db)
	projects := project.NewStore(db)

	reg := ai.NewRegistry(nil)
	reg.Register(ai.ProviderOpenAI, func(string) ai.Provider { return prov })
	reg.Register("fake", func(string) ai.Provider { return prov })

	titles := NewTitleGenerator(reg, "", "fast-model")
	pub := &fakePublisher{}
	return &fixture{
		db:       db,
		repo:     repo,
		projects: projects,
		registry: reg,
		prov:     prov,
		orch:     NewOrchestrator(repo, reg, projects, titles, OrchestratorConfig{WindowSize: 20, MaxImageBytes: 1 << 20, MaxImages: 2}),
		svc:      NewService(repo, reg, projects, titles, pub, 20),
		pub:      pub,
	}
}

func (f *fixture) project(t *testing.T, ownerID uint64, vectorStore string) *project.Project {
	t.Helper()
	p := &project.Project{Name: "docs", OwnerID: ownerID, VectorStoreID: vectorStore, Instructions: "Answer from the files."}
	require.NoError(t, f.projects.Create(context.Background(), p))
	return p
}

func (f *fixture) countRows(t *testing.T, model any) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(model).Count(&n).Error)
	return n
}
