package p2p

// Presentation tags.
const (
	TagChat    = ""
	TagConnect = "connect"
	TagNotice  = "notice"
	TagFile    = "file"
	TagVideo   = "video"
	TagSignal  = "signal"
	TagServer  = "server"
)

// Presenter shows operator-facing lines. Post must not block.
type Presenter interface {
	Post(text, tag string)
}

// History stores chat lines as "<sender> : message".
type History interface {
	Append(sender, message string) error
	LastLine() (string, bool, error)
}

type PresenterFunc func(text, tag string)

func (f PresenterFunc) Post(text, tag string) { f(text, tag) }

type discardPresenter struct{}

func (discardPresenter) Post(string, string) {}
