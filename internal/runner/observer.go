package runner

import "github.com/specialistvlad/forgegrid/internal/opgraph"

// Observer receives progress callbacks. Calls come from worker goroutines
// concurrently.
type Observer interface {
	RunStarted(total int)
	OperationStarted(id opgraph.OperationID, title string)
	OperationFinished(res OperationResult)
	RunFinished(res *Result)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) RunStarted(int)                               {}
func (NopObserver) OperationStarted(opgraph.OperationID, string) {}
func (NopObserver) OperationFinished(OperationResult)            {}
func (NopObserver) RunFinished(*Result)                          {}
