package files

import "errors"

var (
	// ErrNotFound indicates the reference (or its blob) does not exist.
	ErrNotFound = errors.New("file reference not found")

	// ErrStorageReference indicates a content reference that is neither a
	// fetchable http(s) URL nor an existing local file.
	ErrStorageReference = errors.New("invalid storage reference")

	// ErrRemoteFetch indicates the download of a remote artifact failed.
	ErrRemoteFetch = errors.New("remote fetch failed")
)
