package usecase

import (
	"sort"

	"voiceform/internal/domain"
)

// formState holds committed values and the optional edit draft. Every
// template key is always present and no other key is ever stored.
type formState struct {
	committed domain.FieldValues
	draft     domain.FieldValues
}

func newFormState(spec domain.TemplateSpec) *formState {
	return &formState{committed: domain.BlankFields(spec)}
}

// merge overwrites committed values for known keys and leaves every other
// key untouched. Unknown keys are returned, sorted, so they can be logged.
func (f *formState) merge(attributes map[string]string) (dropped []string) {
	for key, value := range attributes {
		if _, ok := f.committed[key]; !ok {
			dropped = append(dropped, key)
			continue
		}
		f.committed[key] = value
	}
	sort.Strings(dropped)
	return dropped
}

func (f *formState) editing() bool {
	return f.draft != nil
}

// view is what the user sees: the draft while editing, otherwise the
// committed values.
func (f *formState) view() domain.FieldValues {
	if f.draft != nil {
		return f.draft.Clone()
	}
	return f.committed.Clone()
}

func (f *formState) values() domain.FieldValues {
	return f.committed.Clone()
}

func (f *formState) beginEdit() {
	f.draft = f.committed.Clone()
}

func (f *formState) setDraft(key, value string) error {
	if f.draft == nil {
		return ErrNotEditing
	}
	if _, ok := f.draft[key]; !ok {
		return ErrUnknownField
	}
	f.draft[key] = value
	return nil
}

func (f *formState) save() {
	if f.draft == nil {
		return
	}
	f.committed = f.draft
	f.draft = nil
}

func (f *formState) discard() {
	f.draft = nil
}
