package models

import "errors"

// ErrNotFound is returned by repositories when the requested record does not exist
var ErrNotFound = errors.New("record not found")
