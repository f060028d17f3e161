package flow

import (
	"context"
	"strings"

	"github.com/bonial-oss/healthchecks-monitor/pkg/entry"
	"github.com/bonial-oss/healthchecks-monitor/pkg/metrics"
	"github.com/bonial-oss/healthchecks-monitor/pkg/models"
	"github.com/bonial-oss/healthchecks-monitor/pkg/provider"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	logf "sigs.k8s.io/controller-runtime/pkg/log"
)

var log = logf.Log.WithName("flow")

// ResultType is the type of a step result.
type ResultType string

const (
	// ResultForm asks the caller to show the form of the step again.
	ResultForm ResultType = "form"
	// ResultCreateEntry indicates that a new entry was created.
	ResultCreateEntry ResultType = "create_entry"
	// ResultAbort terminates the flow with a reason.
	ResultAbort ResultType = "abort"
)

const (
	StepUser          = "user"
	StepReauthConfirm = "reauth_confirm"
)

// Form field names and error keys.
const (
	FieldAPIKey  = "api_key"
	FieldCheckID = "check_id"
	FieldBase    = "base"

	ErrorRequired         = "required"
	ErrorInvalidAuth      = "invalid_auth"
	ErrorCheckNotFound    = "check_not_found"
	ErrorRateLimitReached = "rate_limit_reached"
	ErrorCannotConnect    = "cannot_connect"
	ErrorUnknown          = "unknown"
)

// Abort reasons.
const (
	ReasonAlreadyConfigured = "already_configured"
	ReasonReauthSuccessful  = "reauth_successful"
)

// Result is the outcome of a flow step.
type Result struct {
	Type   ResultType
	StepID string

	// Errors maps form fields to error keys. Only set for ResultForm.
	Errors map[string]string

	// Reason is only set for ResultAbort.
	Reason string

	// Title and Entry are only set for ResultCreateEntry.
	Title string
	Entry *models.Entry
}

// UserInput is the input of the user step.
type UserInput struct {
	APIKey  string
	CheckID string
}

// ReauthInput is the input of the reauth_confirm step.
type ReauthInput struct {
	APIKey string
}

// Reloader reloads the runtime wiring of an entry after its stored
// configuration changed.
type Reloader interface {
	ReloadEntry(ctx context.Context, id string) error
}

// Flow validates operator input against the remote API before entries are
// created or updated.
type Flow struct {
	factory  provider.Factory
	store    entry.Store
	reloader Reloader
}

// New creates a new *Flow. reloader may be nil, in which case updated
// entries are picked up by whoever watches store.
func New(factory provider.Factory, store entry.Store, reloader Reloader) *Flow {
	return &Flow{
		factory:  factory,
		store:    store,
		reloader: reloader,
	}
}

// StepUser handles the user step. A nil input shows the empty form.
func (f *Flow) StepUser(ctx context.Context, input *UserInput) (*Result, error) {
	if input == nil {
		return showForm(StepUser, nil), nil
	}

	apiKey := strings.TrimSpace(input.APIKey)
	checkID := strings.TrimSpace(input.CheckID)

	if errs := requireFields(map[string]string{FieldAPIKey: apiKey, FieldCheckID: checkID}); errs != nil {
		return f.record(StepUser, showForm(StepUser, errs)), nil
	}

	check, errs := f.validate(ctx, apiKey, checkID)
	if errs != nil {
		return f.record(StepUser, showForm(StepUser, errs)), nil
	}

	result, err := f.accept(ctx, apiKey, checkID, check)
	if err != nil {
		metrics.FlowSubmissionsTotal.WithLabelValues(StepUser, "error").Inc()
		return nil, err
	}

	return f.record(StepUser, result), nil
}

func (f *Flow) accept(ctx context.Context, apiKey, checkID string, check *models.Check) (*Result, error) {
	_, err := f.store.FindByUniqueID(ctx, checkID)
	if err == nil {
		return abort(ReasonAlreadyConfigured), nil
	}

	if !errors.Is(err, models.ErrEntryNotFound) {
		return nil, errors.Wrap(err, "failed to look up existing entries")
	}

	title := check.Name
	if title == "" {
		title = checkID
	}

	e := &models.Entry{
		ID:       uuid.NewString(),
		UniqueID: checkID,
		Title:    title,
		APIKey:   apiKey,
		CheckID:  checkID,
	}

	err = f.store.Add(ctx, e)
	if errors.Is(err, models.ErrEntryExists) {
		return abort(ReasonAlreadyConfigured), nil
	}

	if err != nil {
		return nil, errors.Wrap(err, "failed to create entry")
	}

	log.Info("created entry", "entry", e.ID, "check", e.CheckID, "title", e.Title)

	return &Result{
		Type:  ResultCreateEntry,
		Title: title,
		Entry: e,
	}, nil
}

// StepReauth handles the reauth_confirm step for the entry with entryID. A
// nil input shows the empty form. On success the stored API key is replaced,
// the generation of the entry is incremented and the entry is reloaded.
func (f *Flow) StepReauth(ctx context.Context, entryID string, input *ReauthInput) (*Result, error) {
	e, err := f.store.Get(ctx, entryID)
	if err != nil {
		return nil, err
	}

	if input == nil {
		return showForm(StepReauthConfirm, nil), nil
	}

	apiKey := strings.TrimSpace(input.APIKey)

	if errs := requireFields(map[string]string{FieldAPIKey: apiKey}); errs != nil {
		return f.record(StepReauthConfirm, showForm(StepReauthConfirm, errs)), nil
	}

	_, errs := f.validate(ctx, apiKey, e.CheckID)
	if errs != nil {
		return f.record(StepReauthConfirm, showForm(StepReauthConfirm, errs)), nil
	}

	updated := *e
	updated.APIKey = apiKey
	updated.Generation++

	err = f.store.Update(ctx, &updated)
	if err != nil {
		metrics.FlowSubmissionsTotal.WithLabelValues(StepReauthConfirm, "error").Inc()
		return nil, errors.Wrap(err, "failed to update entry")
	}

	log.Info("updated api key of entry", "entry", e.ID, "check", e.CheckID)

	if f.reloader != nil {
		err = f.reloader.ReloadEntry(ctx, e.ID)
		if err != nil {
			// The new key is valid and stored, the entry is retried by
			// its owner.
			log.Error(err, "failed to reload entry", "entry", e.ID)
		}
	}

	return f.record(StepReauthConfirm, abort(ReasonReauthSuccessful)), nil
}

// validate looks up checkID with apiKey. On failure it returns form errors.
func (f *Flow) validate(ctx context.Context, apiKey, checkID string) (*models.Check, map[string]string) {
	check, err := f.factory(apiKey).GetCheck(ctx, checkID)
	if err == nil {
		return check, nil
	}

	switch kind := models.KindOf(err); kind {
	case models.KindAuthFailure:
		return nil, map[string]string{FieldBase: ErrorInvalidAuth}
	case models.KindNotFound:
		return nil, map[string]string{FieldBase: ErrorCheckNotFound}
	case models.KindRateLimited:
		return nil, map[string]string{FieldBase: ErrorRateLimitReached}
	case models.KindAPIFailure:
		return nil, map[string]string{FieldBase: ErrorCannotConnect}
	case models.KindUnexpected:
		log.Error(err, "unexpected error while validating check", "check", checkID)
		return nil, map[string]string{FieldBase: ErrorUnknown}
	default:
		log.Error(err, "unknown error kind while validating check", "check", checkID, "kind", kind.String())
		return nil, map[string]string{FieldBase: ErrorUnknown}
	}
}

func (f *Flow) record(step string, result *Result) *Result {
	outcome := string(result.Type)
	switch result.Type {
	case ResultForm:
		outcome = result.Errors[FieldBase]
		if outcome == "" {
			outcome = ErrorRequired
		}
	case ResultAbort:
		outcome = result.Reason
	}

	metrics.FlowSubmissionsTotal.WithLabelValues(step, outcome).Inc()

	return result
}

func requireFields(fields map[string]string) map[string]string {
	var errs map[string]string

	for name, value := range fields {
		if value != "" {
			continue
		}

		if errs == nil {
			errs = map[string]string{}
		}

		errs[name] = ErrorRequired
	}

	return errs
}

func showForm(step string, errs map[string]string) *Result {
	return &Result{
		Type:   ResultForm,
		StepID: step,
		Errors: errs,
	}
}

func abort(reason string) *Result {
	return &Result{
		Type:   ResultAbort,
		Reason: reason,
	}
}
