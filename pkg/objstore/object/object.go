package object

import "time"

// Info describes one stored blob.
type Info struct {
	Name    string
	ModTime time.Time
}
