package progress

import "io"

// TransferUI tracks concurrent artifact transfers, one bar per file.
type TransferUI interface {
	// AddFileBar creates a progress bar for one file transfer
	AddFileBar(index int, remoteName, localPath string, size int64) FileBarHandle

	// Wait blocks until all progress bars complete
	Wait()

	// Writer returns an io.Writer that safely outputs above the progress bars.
	Writer() io.Writer
}

// FileBarHandle represents a handle to a single file's progress bar
type FileBarHandle interface {
	// UpdateProgress updates the progress bar based on a fraction (0.0 to 1.0)
	UpdateProgress(fraction float64)

	// SetRetry updates the retry counter and visually marks the bar
	SetRetry(count int)

	// Complete marks the transfer as finished and prints a summary
	Complete(err error)
}

// NoOpTransferUI discards all transfer progress.
type NoOpTransferUI struct{}

// AddFileBar returns a bar that ignores updates.
func (NoOpTransferUI) AddFileBar(int, string, string, int64) FileBarHandle { return noOpBar{} }

// Wait returns immediately.
func (NoOpTransferUI) Wait() {}

// Writer discards output.
func (NoOpTransferUI) Writer() io.Writer { return io.Discard }

type noOpBar struct{}

func (noOpBar) UpdateProgress(float64) {}
func (noOpBar) SetRetry(int)           {}
func (noOpBar) Complete(error)         {}
