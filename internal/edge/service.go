package edge

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"palisade/internal/acl"
	"palisade/internal/domain"
	"palisade/internal/state"
	"palisade/internal/vcl"
)

// State is the per-cycle position in the version lifecycle.
type State int

const (
	StateIdle State = iota
	StateCloned
	StateMutating
	StateReadyToActivate
	StateActive
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCloned:
		return "cloned"
	case StateMutating:
		return "mutating"
	case StateReadyToActivate:
		return "ready_to_activate"
	case StateActive:
		return "active"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// ServiceConfig is the validated per-service configuration handed down from
// the config layer.
type ServiceConfig struct {
	ID                  string
	Activate            bool
	ReferenceVersion    string
	Capacity            int
	MaxContainers       int
	CaptchaSiteKey      string
	CaptchaSecret       string
	CaptchaCookieExpiry time.Duration
	RetryAttempts       int
	RetryBackoff        time.Duration
}

// CaptchaEnabled reports whether the service can enforce captcha decisions.
func (c ServiceConfig) CaptchaEnabled() bool {
	return c.CaptchaSiteKey != "" && c.CaptchaSecret != ""
}

// Actions returns the remediations this service enforces.
func (c ServiceConfig) Actions() []domain.Action {
	if c.CaptchaEnabled() {
		return []domain.Action{domain.ActionBan, domain.ActionCaptcha}
	}
	return []domain.Action{domain.ActionBan}
}

// Result summarizes one reconciliation cycle for a service.
type Result struct {
	State             State
	ContainerWrites   int
	SnippetWrites     int
	Activated         bool
	CapacityExhausted []string
}

// Service owns all edge state attributable to enforcement on one remote
// service: its container collections, the last written rule conditionals and
// the working-version bookkeeping. A Service is exclusively mutated by the
// reconciliation cycle for this service; the orchestrator guarantees cycles
// never overlap.
type Service struct {
	cfg Config
	api API

	collections       map[acl.Kind]*acl.Collection
	conditionals      map[domain.Action]string
	jwtSecret         string
	workingVersion    string
	activeVersion     string
	pendingActivation bool
	provisioned       bool
	st                State
}

// Config aliases ServiceConfig for the constructor signature.
type Config = ServiceConfig

// NewService builds a fresh service model with empty collections. The captcha
// signing secret is generated once per service and persisted through the
// cache so snippet regeneration stays byte-identical across restarts.
func NewService(cfg Config, api API) *Service {
	s := &Service{
		cfg:          cfg,
		api:          api,
		collections:  make(map[acl.Kind]*acl.Collection, len(acl.Kinds)),
		conditionals: make(map[domain.Action]string),
		jwtSecret:    uuid.NewString(),
	}
	for _, kind := range acl.Kinds {
		s.collections[kind] = acl.NewCollection(cfg.ID, kind, cfg.Capacity, cfg.MaxContainers)
	}
	return s
}

func (s *Service) ID() string { return s.cfg.ID }

// State returns the lifecycle position reached by the last cycle.
func (s *Service) State() State { return s.st }

// ActiveVersion returns the last version this agent successfully activated.
func (s *Service) ActiveVersion() string { return s.activeVersion }

func (s *Service) setState(next State) {
	if s.st == next {
		return
	}
	log.Debug("Version lifecycle transition",
		"service", s.cfg.ID, "from", s.st, "to", next)
	s.st = next
}

// Apply runs one reconciliation cycle: stage the diffs against the desired
// member sets, land every mutation on a safe version, then activate if
// configured. On failure the working version is left un-activated and staged
// container changes are discarded so the next cycle re-derives them.
func (s *Service) Apply(ctx context.Context, desired map[acl.Kind]map[string]struct{}) (Result, error) {
	res := Result{}
	s.setState(StateIdle)

	capacityFailures := s.stage(desired)
	res.CapacityExhausted = capacityFailures

	snippets := s.pendingSnippets()
	needVersion := s.needsVersionWork(snippets)

	if needVersion {
		if err := s.ensureWorkingVersion(ctx); err != nil {
			return s.fail(res, err)
		}
	}

	s.setState(StateMutating)

	if needVersion && !s.provisioned {
		if err := s.provisionStatics(ctx); err != nil {
			return s.fail(res, err)
		}
	}

	writes, err := s.commitContainers(ctx)
	res.ContainerWrites = writes
	if err != nil {
		return s.fail(res, err)
	}

	snippetWrites, err := s.commitSnippets(ctx, snippets)
	res.SnippetWrites = snippetWrites
	if err != nil {
		return s.fail(res, err)
	}

	s.setState(StateReadyToActivate)
	if needVersion || s.pendingActivation {
		s.pendingActivation = true
		if !s.cfg.Activate {
			log.Info("Version ready but activation disabled, staying staged",
				"service", s.cfg.ID, "version", s.workingVersion)
			res.State = s.st
			return res, nil
		}
		if err := s.activate(ctx); err != nil {
			return s.fail(res, err)
		}
		res.Activated = true
	}

	s.setState(StateActive)
	res.State = s.st
	return res, nil
}

// stage transforms every collection toward its desired member set and
// returns the values that could not be placed anywhere.
func (s *Service) stage(desired map[acl.Kind]map[string]struct{}) []string {
	var failures []string
	for _, kind := range acl.Kinds {
		if kind.Action() == domain.ActionCaptcha && !s.cfg.CaptchaEnabled() {
			continue
		}
		col := s.collections[kind]
		want := desired[kind]
		if want == nil {
			want = map[string]struct{}{}
		}
		failed, err := col.Transform(want)
		if err != nil {
			log.Error("Container capacity exhausted, skipping decisions",
				"service", s.cfg.ID, "kind", kind, "skipped", len(failed), "error", err)
			failures = append(failures, failed...)
		}
	}
	return failures
}

// pendingSnippets regenerates each action's rule snippet and returns the ones
// whose conditional changed since the last successful write. Regeneration is
// idempotent: unchanged inputs produce byte-identical output, so an unchanged
// conditional means no remote write.
func (s *Service) pendingSnippets() map[domain.Action]vcl.Snippet {
	pending := make(map[domain.Action]vcl.Snippet)
	for _, action := range s.cfg.Actions() {
		conditional := s.conditionalFor(action)
		if s.conditionals[action] == conditional {
			continue
		}
		switch action {
		case domain.ActionCaptcha:
			pending[action] = vcl.CaptchaRule(conditional, s.cfg.CaptchaSecret, s.jwtSecret)
		default:
			pending[action] = vcl.BanRule(conditional)
		}
	}
	return pending
}

func (s *Service) conditionalFor(action domain.Action) string {
	addresses := s.collections[acl.KindFor(action, domain.ScopeIP)]
	countries := s.collections[acl.KindFor(action, domain.ScopeCountry)]
	systems := s.collections[acl.KindFor(action, domain.ScopeAS)]

	aclNames := make([]string, 0, len(addresses.Containers))
	for _, c := range addresses.Containers {
		aclNames = append(aclNames, c.Name)
	}
	return vcl.Conditional(aclNames, countries.SortedMembers(), systems.SortedMembers())
}

// needsVersionWork reports whether this cycle must touch a service version:
// first-run provisioning, a container that does not exist remotely yet, a
// changed snippet, or a previously staged version awaiting activation.
func (s *Service) needsVersionWork(snippets map[domain.Action]vcl.Snippet) bool {
	if !s.provisioned || len(snippets) > 0 || s.pendingActivation {
		return true
	}
	for _, kind := range acl.Kinds {
		if !kind.Remote() {
			continue
		}
		for _, c := range s.collections[kind].Containers {
			if c.ID == "" {
				return true
			}
		}
	}
	return false
}

// ensureWorkingVersion moves IDLE→CLONED. A configured reference version that
// is not the active version is mutated in place; otherwise the active version
// is cloned so the serving configuration is never edited directly.
func (s *Service) ensureWorkingVersion(ctx context.Context) error {
	if s.workingVersion != "" {
		s.setState(StateCloned)
		return nil
	}

	var active string
	err := s.retry(ctx, "read_active_version", func() error {
		var readErr error
		active, readErr = s.api.ReadActiveVersion(ctx, s.cfg.ID)
		return readErr
	})
	if err != nil {
		return fmt.Errorf("read active version: %w", err)
	}

	if ref := s.cfg.ReferenceVersion; ref != "" && ref != active {
		log.Info("Using configured reference version in place",
			"service", s.cfg.ID, "version", ref)
		s.workingVersion = ref
		s.setState(StateCloned)
		return nil
	}

	source := active
	if s.cfg.ReferenceVersion != "" {
		source = s.cfg.ReferenceVersion
	}
	var cloned string
	err = s.retry(ctx, "clone_version", func() error {
		var cloneErr error
		cloned, cloneErr = s.api.CloneVersion(ctx, s.cfg.ID, source)
		return cloneErr
	})
	if err != nil {
		return fmt.Errorf("clone version %s: %w", source, err)
	}
	log.Info("Cloned service version", "service", s.cfg.ID, "source", source, "version", cloned)
	s.workingVersion = cloned
	s.provisioned = false
	s.setState(StateCloned)
	return nil
}

// provisionStatics writes the configuration-dependent captcha snippets once
// per working version.
func (s *Service) provisionStatics(ctx context.Context) error {
	if s.cfg.CaptchaEnabled() {
		expiry := int(s.cfg.CaptchaCookieExpiry.Seconds())
		for _, snippet := range vcl.StaticSnippets(s.cfg.ID, s.cfg.CaptchaSiteKey, s.jwtSecret, expiry) {
			snippet := snippet
			err := s.retry(ctx, "update_snippet", func() error {
				return s.api.UpdateSnippet(ctx, s.cfg.ID, s.workingVersion, snippet)
			})
			if err != nil {
				return fmt.Errorf("provision snippet %s: %w", snippet.Name, err)
			}
		}
	}
	s.provisioned = true
	return nil
}

// commitContainers pushes staged container changes. Remote kinds get real
// ACL writes (removals before additions inside one batch); snippet-only kinds
// commit locally since their effect lands via the rule conditionals.
func (s *Service) commitContainers(ctx context.Context) (int, error) {
	writes := 0
	for _, kind := range acl.Kinds {
		col := s.collections[kind]
		for _, c := range col.Containers {
			if !kind.Remote() {
				c.Commit()
				continue
			}
			if c.ID == "" {
				var id string
				name := c.Name
				err := s.retry(ctx, "create_container", func() error {
					var createErr error
					id, createErr = s.api.CreateContainer(ctx, s.cfg.ID, s.workingVersion, name)
					return createErr
				})
				if err != nil {
					return writes, fmt.Errorf("create container %s: %w", name, err)
				}
				log.Info("Created enforcement container",
					"service", s.cfg.ID, "kind", kind, "name", name, "id", id)
				c.ID = id
			}
			if !c.Dirty() {
				continue
			}
			additions := c.StagedAdditions()
			removals := c.StagedRemovals()
			container := c
			err := s.retry(ctx, "write_container", func() error {
				return s.api.WriteContainer(ctx, s.cfg.ID, container.ID, additions, removals)
			})
			if err != nil {
				return writes, fmt.Errorf("write container %s: %w", c.Name, err)
			}
			log.Info("Updated enforcement container",
				"service", s.cfg.ID, "container", c.Name,
				"added", len(additions), "removed", len(removals))
			c.Commit()
			writes++
		}
	}
	return writes, nil
}

func (s *Service) commitSnippets(ctx context.Context, snippets map[domain.Action]vcl.Snippet) (int, error) {
	writes := 0
	for _, action := range s.cfg.Actions() {
		snippet, ok := snippets[action]
		if !ok {
			continue
		}
		err := s.retry(ctx, "update_snippet", func() error {
			return s.api.UpdateSnippet(ctx, s.cfg.ID, s.workingVersion, snippet)
		})
		if err != nil {
			return writes, fmt.Errorf("update snippet %s: %w", snippet.Name, err)
		}
		s.conditionals[action] = s.conditionalFor(action)
		log.Info("Updated enforcement rule", "service", s.cfg.ID, "snippet", snippet.Name)
		writes++
	}
	return writes, nil
}

func (s *Service) activate(ctx context.Context) error {
	version := s.workingVersion
	err := s.retry(ctx, "activate_version", func() error {
		return s.api.ActivateVersion(ctx, s.cfg.ID, version)
	})
	if err != nil {
		return fmt.Errorf("activate version %s: %w", version, err)
	}
	log.Info("Activated service version", "service", s.cfg.ID, "version", version)
	s.activeVersion = version
	s.workingVersion = ""
	s.pendingActivation = false
	return nil
}

// fail records the cycle failure, discards staged container changes (they are
// re-derived next cycle from the cached committed state) and, on a version
// conflict, abandons the working version so the next cycle re-clones.
func (s *Service) fail(res Result, err error) (Result, error) {
	s.setState(StateFailed)
	for _, col := range s.collections {
		col.DiscardStaged()
	}
	if IsConflict(err) {
		log.Warn("Working version modified externally, will re-clone",
			"service", s.cfg.ID, "version", s.workingVersion)
		s.workingVersion = ""
		s.provisioned = false
	}
	res.State = s.st
	return res, err
}

// SyncRemote performs the periodic full reconciliation: every provisioned
// remote container is re-read and drift between cache and reality is
// corrected, logged as warnings rather than treated as fatal.
func (s *Service) SyncRemote(ctx context.Context) error {
	for _, kind := range acl.Kinds {
		if !kind.Remote() {
			continue
		}
		for _, c := range s.collections[kind].Containers {
			if c.ID == "" {
				continue
			}
			var members map[string]struct{}
			container := c
			err := s.retry(ctx, "read_container", func() error {
				var readErr error
				members, readErr = s.api.ReadContainer(ctx, s.cfg.ID, container.ID)
				return readErr
			})
			if err != nil {
				return fmt.Errorf("read container %s: %w", c.Name, err)
			}
			added, removed := acl.Diff(c.Entries, members)
			if len(added) > 0 || len(removed) > 0 {
				log.Warn("Drift between cached and remote container state",
					"service", s.cfg.ID, "container", c.Name,
					"remote_only", len(added), "cache_only", len(removed))
				c.ResetEntries(members)
			}
		}
	}
	return nil
}

func (s *Service) retry(ctx context.Context, op string, fn func() error) error {
	return withRetry(ctx, s.cfg.RetryAttempts, s.cfg.RetryBackoff, op, fn)
}

// Snapshot exports the service's enforced state for the cache.
func (s *Service) Snapshot() state.ServiceState {
	snap := state.ServiceState{
		WorkingVersion:    s.workingVersion,
		ActiveVersion:     s.activeVersion,
		PendingActivation: s.pendingActivation,
		Provisioned:       s.provisioned,
		CaptchaJWTSecret:  s.jwtSecret,
		Conditionals:      make(map[string]string, len(s.conditionals)),
		Collections:       make(map[string]state.CollectionState, len(s.collections)),
	}
	for action, conditional := range s.conditionals {
		snap.Conditionals[string(action)] = conditional
	}
	for _, kind := range acl.Kinds {
		col := s.collections[kind]
		if len(col.Containers) == 0 {
			continue
		}
		cs := state.CollectionState{Containers: make([]state.ContainerState, 0, len(col.Containers))}
		for _, c := range col.Containers {
			cs.Containers = append(cs.Containers, state.ContainerState{
				ID:      c.ID,
				Name:    c.Name,
				Entries: state.SortedEntries(c.Entries),
			})
		}
		snap.Collections[string(kind)] = cs
	}
	return snap
}

// Restore seeds the service from a cached snapshot so a restart resumes
// without remote reads.
func (s *Service) Restore(snap state.ServiceState) {
	s.workingVersion = snap.WorkingVersion
	s.activeVersion = snap.ActiveVersion
	s.pendingActivation = snap.PendingActivation
	s.provisioned = snap.Provisioned
	if snap.CaptchaJWTSecret != "" {
		s.jwtSecret = snap.CaptchaJWTSecret
	}
	for action, conditional := range snap.Conditionals {
		s.conditionals[domain.Action(action)] = conditional
	}
	for kindName, cs := range snap.Collections {
		col, ok := s.collections[acl.Kind(kindName)]
		if !ok {
			log.Warn("Ignoring cached containers of unknown kind",
				"service", s.cfg.ID, "kind", kindName)
			continue
		}
		col.Containers = col.Containers[:0]
		for _, containerState := range cs.Containers {
			members := make(map[string]struct{}, len(containerState.Entries))
			for _, entry := range containerState.Entries {
				members[entry] = struct{}{}
			}
			col.RestoreContainer(containerState.ID, containerState.Name, members)
		}
	}
}
