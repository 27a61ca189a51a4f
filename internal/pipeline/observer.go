package pipeline

// Progress labels.
const (
	ProgressSummarizing  = "summarizing"
	ProgressTranslating  = "translating"
	ProgressSynthesizing = "synthesizing"
	ProgressFinishing    = "finishing"
)

// Observer receives run events. Events of one run arrive in order and never
// concurrently. Complete and Error are terminal; at most one fires per run,
// and neither fires once the run has been cancelled or superseded.
//
// Callbacks run while the orchestrator holds its emission lock, so they must
// not call Start or Cancel synchronously.
type Observer interface {
	SummarySentence(id RunID, text string)
	TranslatedSentence(id RunID, text string)
	AudioChunk(id RunID, pcm []byte)
	Progress(id RunID, label string)
	Complete(id RunID, result Result)
	Error(id RunID, err error)
}

// ObserverFuncs adapts optional funcs to Observer.
type ObserverFuncs struct {
	OnSummarySentence    func(RunID, string)
	OnTranslatedSentence func(RunID, string)
	OnAudioChunk         func(RunID, []byte)
	OnProgress           func(RunID, string)
	OnComplete           func(RunID, Result)
	OnError              func(RunID, error)
}

func (f ObserverFuncs) SummarySentence(id RunID, text string) {
	if f.OnSummarySentence != nil {
		f.OnSummarySentence(id, text)
	}
}

func (f ObserverFuncs) TranslatedSentence(id RunID, text string) {
	if f.OnTranslatedSentence != nil {
		f.OnTranslatedSentence(id, text)
	}
}

func (f ObserverFuncs) AudioChunk(id RunID, pcm []byte) {
	if f.OnAudioChunk != nil {
		f.OnAudioChunk(id, pcm)
	}
}

func (f ObserverFuncs) Progress(id RunID, label string) {
	if f.OnProgress != nil {
		f.OnProgress(id, label)
	}
}

func (f ObserverFuncs) Complete(id RunID, result Result) {
	if f.OnComplete != nil {
		f.OnComplete(id, result)
	}
}

func (f ObserverFuncs) Error(id RunID, err error) {
	if f.OnError != nil {
		f.OnError(id, err)
	}
}

// MultiObserver fans events out in slice order.
type MultiObserver []Observer

func (m MultiObserver) SummarySentence(id RunID, text string) {
	for _, o := range m {
		o.SummarySentence(id, text)
	}
}

func (m MultiObserver) TranslatedSentence(id RunID, text string) {
	for _, o := range m {
		o.TranslatedSentence(id, text)
	}
}

func (m MultiObserver) AudioChunk(id RunID, pcm []byte) {
	for _, o := range m {
		o.AudioChunk(id, pcm)
	}
}

func (m MultiObserver) Progress(id RunID, label string) {
	for _, o := range m {
		o.Progress(id, label)
	}
}

func (m MultiObserver) Complete(id RunID, result Result) {
	for _, o := range m {
		o.Complete(id, result)
	}
}

func (m MultiObserver) Error(id RunID, err error) {
	for _, o := range m {
		o.Error(id, err)
	}
}
