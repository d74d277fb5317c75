package builder

import (
	"fmt"
	"os"
	"path/filepath"
)

// BuildContext is the staging area of one build: the downloaded sources
// and the directory they are extracted into.
type BuildContext struct {
	RootDir     string
	SourcesPath string
	BuildDir    string
}

func NewBuildContext(stagingDir, buildID string) (*BuildContext, error) {
	root := filepath.Join(stagingDir, "buildshuttle-"+buildID)
	bc := &BuildContext{
		RootDir:     root,
		SourcesPath: filepath.Join(root, "sources"),
		BuildDir:    filepath.Join(root, "build"),
	}

	if err := os.MkdirAll(bc.BuildDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", bc.BuildDir, err)
	}

	return bc, nil
}

func (bc *BuildContext) Cleanup() error {
	return os.RemoveAll(bc.RootDir)
}
