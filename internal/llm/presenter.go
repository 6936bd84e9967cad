package llm

import "go.uber.org/zap"

// Presenter surfaces non-fatal upstream errors to the user.
type Presenter interface {
	Present(title string, err error)
}

// PresenterFunc adapts a plain function to Presenter.
type PresenterFunc func(title string, err error)

// Present calls f(title, err).
func (f PresenterFunc) Present(title string, err error) { f(title, err) }

// LogPresenter writes presented errors to a zap logger.
type LogPresenter struct {
	Logger *zap.Logger
}

// Present logs err at error level under title.
func (p LogPresenter) Present(title string, err error) {
	l := p.Logger
	if l == nil {
		l = zap.NewNop()
	}
	l.Error("upstream error", zap.String("title", title), zap.Error(err))
}
