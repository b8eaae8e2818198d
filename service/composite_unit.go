/*
Copyright © 2025 Acronis International GmbH.

Released under MIT license.
*/

package service

import (
	"strings"
	"sync"
)

// CompositeUnit starts and stops a group of units together.
type CompositeUnit struct {
	Units []Unit
}

// NewCompositeUnit creates a new composite unit.
func NewCompositeUnit(units ...Unit) *CompositeUnit {
	return &CompositeUnit{units}
}

// Start starts every unit in its own goroutine and blocks until all Start calls return.
// As soon as one unit reports a fatal error, the rest are stopped non-gracefully
// and a CompositeUnitError with all collected errors is sent to fatalErr.
func (cu *CompositeUnit) Start(fatalErr chan<- error) {
	unitErrs := make(chan error, len(cu.Units))
	failed := make(chan struct{})
	var failOnce sync.Once

	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for _, u := range cu.Units {
		go func(u Unit) {
			defer wg.Done()
			errCh := make(chan error, 1)
			u.Start(errCh)
			select {
			case err := <-errCh:
				unitErrs <- err
				failOnce.Do(func() { close(failed) })
			default:
			}
		}(u)
	}

	allDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-allDone:
		select {
		case <-failed:
		default:
			return
		}
	case <-failed:
	}

	stopErr := cu.Stop(false)

	var errs []error
	for collecting := true; collecting; {
		select {
		case err := <-unitErrs:
			errs = append(errs, err)
		default:
			collecting = false
		}
	}
	if stopErr != nil {
		errs = append(errs, stopErr.(*CompositeUnitError).UnitErrors...)
	}
	fatalErr <- &CompositeUnitError{errs}
}

// Stop stops all units concurrently and joins their errors into a CompositeUnitError.
func (cu *CompositeUnit) Stop(gracefully bool) error {
	errs := make([]error, len(cu.Units))
	var wg sync.WaitGroup
	wg.Add(len(cu.Units))
	for i, u := range cu.Units {
		go func(i int, u Unit) {
			defer wg.Done()
			errs[i] = u.Stop(gracefully)
		}(i, u)
	}
	wg.Wait()

	var nonNil []error
	for _, err := range errs {
		if err != nil {
			nonNil = append(nonNil, err)
		}
	}
	if len(nonNil) != 0 {
		return &CompositeUnitError{nonNil}
	}
	return nil
}

// MustRegisterMetrics registers metrics of all units that own any.
func (cu *CompositeUnit) MustRegisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.MustRegisterMetrics()
		}
	}
}

// UnregisterMetrics unregisters metrics of all units that own any.
func (cu *CompositeUnit) UnregisterMetrics() {
	for _, u := range cu.Units {
		if mr, ok := u.(MetricsRegisterer); ok {
			mr.UnregisterMetrics()
		}
	}
}

// CompositeUnitError holds errors of individual units.
type CompositeUnitError struct {
	UnitErrors []error
}

func (e *CompositeUnitError) Error() string {
	msgs := make([]string, len(e.UnitErrors))
	for i, err := range e.UnitErrors {
		msgs[i] = err.Error()
	}
	return strings.Join(msgs, "; ")
}

// Unwrap allows errors.Is/As to look into unit errors.
func (e *CompositeUnitError) Unwrap() []error {
	return e.UnitErrors
}
