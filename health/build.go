package health

import (
	"fmt"
	"os"
	"strings"
	"sync"
)

type buildInfo struct {
	Version string
	Commit  string
	Branch  string
	Time    string
}

var (
	buildInfoOnce   sync.Once
	cachedBuildInfo buildInfo
)

func loadBuildInfo() buildInfo {
	buildInfoOnce.Do(func() {
		cachedBuildInfo = buildInfo{
			Version: os.Getenv("BUILD_VERSION"),
			Commit:  os.Getenv("BUILD_COMMIT"),
			Branch:  os.Getenv("BUILD_BRANCH"),
			Time:    os.Getenv("BUILD_TIME"),
		}

		if data, err := os.ReadFile("build.info"); err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				key, value, found := strings.Cut(strings.TrimSpace(line), "=")
				if !found {
					continue
				}

				value = strings.TrimSpace(value)
				switch strings.TrimSpace(key) {
				case "version":
					if cachedBuildInfo.Version == "" {
						cachedBuildInfo.Version = value
					}
				case "commit":
					if cachedBuildInfo.Commit == "" {
						cachedBuildInfo.Commit = value
					}
				case "branch":
					if cachedBuildInfo.Branch == "" {
						cachedBuildInfo.Branch = value
					}
				case "time":
					if cachedBuildInfo.Time == "" {
						cachedBuildInfo.Time = value
					}
				}
			}
		}
	})

	return cachedBuildInfo
}

// getBuildInfo renders "version-commit7 (time)", degrading gracefully
// when the build was not stamped.
func getBuildInfo() string {
	info := loadBuildInfo()

	version := info.Version
	if version == "" {
		version = "dev"
	}

	commit := info.Commit
	if len(commit) > 7 {
		commit = commit[:7]
	}

	switch {
	case commit != "" && info.Time != "":
		return fmt.Sprintf("%s-%s (%s)", version, commit, info.Time)
	case commit != "":
		return fmt.Sprintf("%s-%s", version, commit)
	default:
		return version
	}
}
