package sensor

import (
	"errors"
	"strings"
	"sync"

	"github.com/bonial-oss/healthchecks-monitor/pkg/metrics"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("sensor")

// ErrCheckMissing is returned if the check of a sensor is absent from the
// latest coordinator data.
var ErrCheckMissing = errors.New("check missing from latest refresh")

// ErrUnavailable is returned if the latest refresh of the coordinator failed.
var ErrUnavailable = errors.New("latest refresh failed")

var iconMapping = map[models.Status]string{
	models.StatusNew:     "mdi:server-network",
	models.StatusStarted: "mdi:server-network",
	models.StatusUp:      "mdi:server-network",
	models.StatusGrace:   "mdi:server-network",
	models.StatusDown:    "mdi:server-network-off",
	models.StatusPaused:  "mdi:server-network",
}

// Source is the data a sensor reads on every coordinator update.
type Source interface {
	Check(id string) (*models.Check, bool)
	LastUpdateSuccess() bool
}

// State is a snapshot of a sensor.
type State struct {
	Value       string
	Icon        string
	Status      models.Status
	Name        string
	Description string
	Tags        []string
	Schedule    string
}

// CheckSensor exposes the status of a single check.
type CheckSensor struct {
	source  Source
	name    string
	checkID string

	mu    sync.RWMutex
	state State
	err   error
}

// New creates a new *CheckSensor for checkID named name.
func New(source Source, name, checkID string) *CheckSensor {
	return &CheckSensor{
		source:  source,
		name:    name,
		checkID: checkID,
		state:   State{Icon: iconMapping[models.StatusUp]},
		err:     ErrUnavailable,
	}
}

// CheckID returns the check ID of the sensor.
func (s *CheckSensor) CheckID() string {
	return s.checkID
}

// Name returns the name of the sensor.
func (s *CheckSensor) Name() string {
	return s.name
}

// HandleUpdate reads the latest data for the check from the source. It is
// registered as coordinator listener.
func (s *CheckSensor) HandleUpdate() {
	check, ok := s.source.Check(s.checkID)

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.state.Status

	switch {
	case !s.source.LastUpdateSuccess():
		s.err = ErrUnavailable
	case !ok:
		if s.err != ErrCheckMissing {
			log.Info("check is missing from latest refresh", "check", s.checkID, "name", s.name)
		}
		s.err = ErrCheckMissing
	default:
		s.err = nil
		s.state = State{
			Value:       capitalize(string(check.Status)),
			Icon:        icon(check.Status),
			Status:      check.Status,
			Name:        check.Name,
			Description: check.Description,
			Tags:        check.Tags,
			Schedule:    check.Schedule,
		}
	}

	s.publish(previous)
}

// State returns the latest state of the sensor. Returns ErrUnavailable or
// ErrCheckMissing if the status of the check is currently unknown, together
// with the last known state.
func (s *CheckSensor) State() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state, s.err
}

// Available returns true if the status of the check is known.
func (s *CheckSensor) Available() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err == nil
}

// publish must be called with s.mu held.
func (s *CheckSensor) publish(previous models.Status) {
	if previous != "" && previous != s.state.Status {
		metrics.CheckStatus.DeleteLabelValues(s.checkID, s.name, string(previous))
	}

	if s.err != nil {
		metrics.CheckAvailable.WithLabelValues(s.checkID, s.name).Set(0)
		return
	}

	metrics.CheckAvailable.WithLabelValues(s.checkID, s.name).Set(1)
	metrics.CheckStatus.WithLabelValues(s.checkID, s.name, string(s.state.Status)).Set(1)
}

// Remove deletes the published metrics of the sensor.
func (s *CheckSensor) Remove() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	metrics.CheckAvailable.DeleteLabelValues(s.checkID, s.name)
	if s.state.Status != "" {
		metrics.CheckStatus.DeleteLabelValues(s.checkID, s.name, string(s.state.Status))
	}
}

func icon(status models.Status) string {
	if icon, ok := iconMapping[status]; ok {
		return icon
	}

	return iconMapping[models.StatusUp]
}

func capitalize(s string) string {
	if s == "" {
		return s
	}

	return strings.ToUpper(s[:1]) + s[1:]
}
