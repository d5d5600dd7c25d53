package wfs

import "strings"

// PathSeparator separates the segments of an entry path.
const PathSeparator = "/"

// splitPath returns the segments of path. Empty segments from leading,
// trailing or repeated separators are dropped; "." and ".." are plain
// names and are looked up like any other.
func splitPath(path string) []string {
	var segments []string
	for _, segment := range strings.Split(path, PathSeparator) {
		if segment != "" {
			segments = append(segments, segment)
		}
	}
	return segments
}

// JoinPath joins a directory path and an entry name.
func JoinPath(dir, name string) string {
	if dir == "" || strings.HasSuffix(dir, PathSeparator) {
		return dir + name
	}
	return dir + PathSeparator + name
}

func validName(name string) bool {
	return name != "" && len(name) <= MaxNameLength && !strings.Contains(name, PathSeparator)
}
