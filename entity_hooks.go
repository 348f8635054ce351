package gentime

import "context"

// =====================================
// Entity Hook Interfaces
// =====================================

// BeforeCreateHook is called before creating an entity
type BeforeCreateHook interface {
	BeforeCreate(ctx context.Context) error
}

// AfterCreateHook is called after successfully creating an entity
type AfterCreateHook interface {
	AfterCreate(ctx context.Context) error
}

// BeforeUpdateHook is called before updating an entity, including forced
// version increments
type BeforeUpdateHook interface {
	BeforeUpdate(ctx context.Context) error
}

// AfterUpdateHook is called after successfully updating an entity
type AfterUpdateHook interface {
	AfterUpdate(ctx context.Context) error
}

// BeforeSoftDeleteHook is called before an entity is marked deleted
type BeforeSoftDeleteHook interface {
	BeforeSoftDelete(ctx context.Context) error
}

// AfterSoftDeleteHook is called after an entity was marked deleted
type AfterSoftDeleteHook interface {
	AfterSoftDelete(ctx context.Context) error
}

// ValidationHook is called to validate an entity before create/update
type ValidationHook interface {
	Validate(ctx context.Context) error
}

// RunBeforeHooks calls the hooks entity implements for event. Validation
// runs last, after the event specific hook had a chance to fill the entity.
// Generated values are not set yet when before hooks run.
func RunBeforeHooks(ctx context.Context, event EventType, entity interface{}) error {
	var err error
	switch event {
	case EventInsert:
		if h, ok := entity.(BeforeCreateHook); ok {
			err = h.BeforeCreate(ctx)
		}
	case EventUpdate, EventForceIncrement:
		if h, ok := entity.(BeforeUpdateHook); ok {
			err = h.BeforeUpdate(ctx)
		}
	case EventSoftDelete:
		if h, ok := entity.(BeforeSoftDeleteHook); ok {
			err = h.BeforeSoftDelete(ctx)
		}
	}
	if err != nil {
		return err
	}

	if event == EventInsert || event == EventUpdate {
		if h, ok := entity.(ValidationHook); ok {
			if err := h.Validate(ctx); err != nil {
				return NewErrorWithCause(ErrorTypeValidation, "entity validation failed", err)
			}
		}
	}
	return nil
}

// RunAfterHooks calls the after hook entity implements for event. Generated
// values, including fetched ones, are visible to it.
func RunAfterHooks(ctx context.Context, event EventType, entity interface{}) error {
	switch event {
	case EventInsert:
		if h, ok := entity.(AfterCreateHook); ok {
			return h.AfterCreate(ctx)
		}
	case EventUpdate, EventForceIncrement:
		if h, ok := entity.(AfterUpdateHook); ok {
			return h.AfterUpdate(ctx)
		}
	case EventSoftDelete:
		if h, ok := entity.(AfterSoftDeleteHook); ok {
			return h.AfterSoftDelete(ctx)
		}
	}
	return nil
}
