package scheduler

import "errors"

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrUnknownWorker  = errors.New("unknown worker")
	ErrUnknownAgent   = errors.New("unknown agent")
	ErrInvalidInput   = errors.New("invalid task input")
	ErrTaskFinished   = errors.New("task already finished")
	ErrTickInProgress = errors.New("tick already in progress")
)
