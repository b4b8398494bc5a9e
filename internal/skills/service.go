package skills

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/vesperbot/vesper/internal/config"
	"github.com/vesperbot/vesper/internal/memory"
	"github.com/vesperbot/vesper/internal/session"
)

// Service is the skill dispatch table. All handlers are registered at
// construction; lookup is read-only afterwards.
type Service struct {
	logger *slog.Logger
	skills map[string]Skill
	state  *ReplyState
}

// NewService builds the standard handler set.
func NewService(log *slog.Logger, memLog *memory.Log, registry *session.Registry, cfg config.ContextConfig) *Service {
	if log == nil {
		log = slog.Default()
	}
	logger := log.With(slog.String("component", "skills"))
	state := NewReplyState()

	s := &Service{
		logger: logger,
		skills: map[string]Skill{},
		state:  state,
	}
	s.register(&memorySaveSkill{logger: logger, log: memLog})
	s.register(&memorySearchSkill{log: memLog, maxChars: cfg.MemoryMaxChars})
	s.register(&memoryPatchSkill{logger: logger, log: memLog})
	s.register(&sendReplySkill{logger: logger, state: state, registry: registry})
	s.register(&fetchContextSkill{logger: logger})
	return s
}

func (s *Service) register(skill Skill) {
	s.skills[skill.Name()] = skill
}

// Has reports whether a skill with the given name is registered.
func (s *Service) Has(name string) bool {
	_, found := s.skills[name]
	return found
}

// Names returns the registered skill names, sorted.
func (s *Service) Names() []string {
	names := make([]string, 0, len(s.skills))
	for name := range s.skills {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ReplyState exposes the per-interaction reply tracker so the orchestrator can
// clear it when a new session begins.
func (s *Service) ReplyState() *ReplyState {
	return s.state
}

// Execute runs the named skill for the session. Panics in a handler are
// converted to failed results so one bad call cannot take the gateway down.
func (s *Service) Execute(ctx context.Context, name string, sess *session.Session, params Params) (result Result) {
	skill, found := s.skills[name]
	if !found {
		return fail(fmt.Sprintf("Unknown skill: %s", name))
	}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("skill panicked",
				slog.String("skill", name),
				slog.Any("panic", r),
			)
			result = fail(fmt.Sprintf("%v", r))
		}
	}()
	if params == nil {
		params = Params{}
	}
	return skill.Execute(ctx, sess, params)
}
