package supervisetest

import (
	"errors"
	"fmt"

	"go.uber.org/mock/gomock"

	"github.com/ch4p-labs/overwatch/supervise"
)

type childMatcher struct {
	id string
}

func (m childMatcher) Matches(x any) bool {
	e, ok := x.(supervise.Event)
	return ok && e.ChildID == m.id
}

func (m childMatcher) String() string {
	return fmt.Sprintf("event for child %q", m.id)
}

// ForChild matches events concerning the given child id.
func ForChild(id string) gomock.Matcher {
	return childMatcher{id: id}
}

type errMatcher struct {
	target error
}

func (m errMatcher) Matches(x any) bool {
	e, ok := x.(supervise.Event)
	return ok && errors.Is(e.Err, m.target)
}

func (m errMatcher) String() string {
	return fmt.Sprintf("event with error %v", m.target)
}

// WithErr matches events whose error wraps [target].
func WithErr(target error) gomock.Matcher {
	return errMatcher{target: target}
}
