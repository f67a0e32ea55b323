package services

import (
	"context"
	"fmt"
)

// State of the service. See Service.
type State int

// Possible states of a service. Transitions only go forward:
// New -> Starting -> Running -> Stopping -> Terminated, with Failed reachable
// from Starting, Running and Stopping.
const (
	New State = iota
	Starting
	Running
	Stopping
	Terminated
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "New"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Terminated:
		return "Terminated"
	case Failed:
		return "Failed"
	default:
		return fmt.Sprintf("Unknown state: %d", s)
	}
}

// Service is a long-running component with a managed lifecycle.
type Service interface {
	// StartAsync starts the service. Context is only used by the starting function.
	StartAsync(ctx context.Context) error

	// AwaitRunning waits until the service reaches Running, or returns an error if it
	// reaches any other terminal state first.
	AwaitRunning(ctx context.Context) error

	// StopAsync tells the service to stop. It is a no-op for already stopped services.
	StopAsync()

	// AwaitTerminated waits until the service reaches Terminated or Failed.
	AwaitTerminated(ctx context.Context) error

	// FailureCase returns the error that moved the service to Failed, if any.
	FailureCase() error

	State() State

	AddListener(listener Listener)
}

// Listener receives notifications about service state changes.
type Listener interface {
	Starting()
	Running()
	Stopping(from State)
	Terminated(from State)
	Failed(from State, failure error)
}

func invalidServiceStateError(state, expected State) error {
	return fmt.Errorf("invalid service state: %v, expected: %v", state, expected)
}

func invalidServiceStateWithFailureError(state, expected State, failure error) error {
	return fmt.Errorf("invalid service state: %v, expected: %v, failure: %w", state, expected, failure)
}

// StartAndAwaitRunning starts the service and waits until it is Running.
func StartAndAwaitRunning(ctx context.Context, service Service) error {
	if err := service.StartAsync(ctx); err != nil {
		return err
	}

	if err := service.AwaitRunning(ctx); err != nil {
		if e := service.FailureCase(); e != nil {
			return e
		}
		return err
	}
	return nil
}

// StopAndAwaitTerminated asks the service to stop and waits until it is Terminated or Failed.
func StopAndAwaitTerminated(ctx context.Context, service Service) error {
	service.StopAsync()
	err := service.AwaitTerminated(ctx)
	if err == nil {
		return nil
	}

	if e := service.FailureCase(); e != nil {
		return e
	}
	return err
}
