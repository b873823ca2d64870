package filesystem

import "strings"

// noisePrefix marks AppleDouble sidecar files ("._photo.jpg").
const noisePrefix = "._"

// noiseNames are files and folders desktop operating systems create on any
// volume they see. They never reach the object store.
var noiseNames = map[string]struct{}{
	".DS_Store":                           {},
	".localized":                          {},
	".hidden":                             {},
	".Spotlight-V100":                     {},
	".Trashes":                            {},
	".fseventsd":                          {},
	".TemporaryItems":                     {},
	".VolumeIcon.icns":                    {},
	".DocumentRevisions-V100":             {},
	".metadata_never_index":               {},
	".metadata_never_index_unless_rootfs": {},
	".com.apple.timemachine.donotpresent": {},
	"Icon\r":                              {},
	"Thumbs.db":                           {},
	"desktop.ini":                         {},
}

// IsNoise reports whether a single path component is OS noise.
func IsNoise(name string) bool {
	name = strings.TrimSuffix(name, "/")
	if strings.HasPrefix(name, noisePrefix) {
		return true
	}
	_, ok := noiseNames[name]
	return ok
}

// HasNoise reports whether any component of key is OS noise.
func HasNoise(key string) bool {
	for _, part := range strings.Split(strings.TrimSuffix(key, "/"), "/") {
		if IsNoise(part) {
			return true
		}
	}
	return false
}
