package phasedapp

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/BrianJOC/gameserver-installer/phases"
	"github.com/BrianJOC/gameserver-installer/pkg/serverinstall"
)

// Messages the install goroutine posts to the program.
type (
	phaseStartedMsg struct {
		meta phases.PhaseMetadata
	}
	phaseCompletedMsg struct {
		meta   phases.PhaseMetadata
		result phases.Result
		err    error
	}
	progressMsg struct {
		event serverinstall.Event
	}
	runFinishedMsg struct {
		result serverinstall.Result
	}
	inputRequestMsg struct {
		meta   phases.PhaseMetadata
		input  phases.InputDefinition
		reason string
	}
)

// bridge carries messages from the install goroutine into the program.
// post gives up once the program is gone so the goroutine can unwind.
type bridge struct {
	msgs chan tea.Msg
	done chan struct{}
	once sync.Once
}

func newBridge() *bridge {
	return &bridge{msgs: make(chan tea.Msg), done: make(chan struct{})}
}

func (b *bridge) post(msg tea.Msg) bool {
	select {
	case b.msgs <- msg:
		return true
	case <-b.done:
		return false
	}
}

func (b *bridge) shutdown() {
	b.once.Do(func() { close(b.done) })
}

// next waits for one message; the model re-issues it after handling each one.
func (b *bridge) next() tea.Cmd {
	return func() tea.Msg {
		select {
		case msg := <-b.msgs:
			return msg
		case <-b.done:
			return nil
		}
	}
}

type answer struct {
	value any
	err   error
}

// promptBroker is the manager's InputHandler. It blocks the install goroutine
// until the operator answers in the prompt panel.
type promptBroker struct {
	bridge  *bridge
	answers chan answer
}

func newPromptBroker(b *bridge) *promptBroker {
	return &promptBroker{bridge: b, answers: make(chan answer, 1)}
}

func (p *promptBroker) RequestInput(meta phases.PhaseMetadata, input phases.InputDefinition, reason string) (any, error) {
	if !p.bridge.post(inputRequestMsg{meta: meta, input: input, reason: reason}) {
		return nil, errInputClosed
	}
	select {
	case a := <-p.answers:
		return a.value, a.err
	case <-p.bridge.done:
		return nil, errInputClosed
	}
}

func (p *promptBroker) answer(value any, err error) {
	p.answers <- answer{value: value, err: err}
}
