package critsec

import (
	"context"
	"sync"
)

// Std is the process-wide section, constructed on first use.
var std = sync.OnceValue(func() *Section {
	return New(context.Background(), nil)
})

// Initialize readies the process-wide section. See [Section.Initialize].
func Initialize() { std().Initialize() }

// Terminate tears down the process-wide section. See [Section.Terminate].
func Terminate() { std().Terminate() }

// Enter acquires the process-wide section. See [Section.Enter].
func Enter() { std().Enter() }

// Exit leaves the process-wide section. See [Section.Exit].
func Exit() { std().Exit() }
