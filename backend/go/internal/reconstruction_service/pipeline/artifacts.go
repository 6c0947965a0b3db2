package pipeline

import (
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/gobwas/glob"
)

func compileAll(patterns ...string) []glob.Glob {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		out = append(out, glob.MustCompile(p, '/'))
	}
	return out
}

// listFiles returns every regular file under root as a slash-separated relative path.
func listFiles(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		files = append(files, filepath.ToSlash(rel))
		return nil
	})
	return files, err
}

// newestMatch tries the patterns in order and returns the most recently modified file
// matching the first pattern that matches anything.
func newestMatch(root string, files []string, patterns []glob.Glob) (string, os.FileInfo) {
	for _, g := range patterns {
		var (
			best     string
			bestInfo os.FileInfo
		)
		for _, f := range files {
			if !g.Match(f) {
				continue
			}
			full := filepath.Join(root, filepath.FromSlash(f))
			info, err := os.Stat(full)
			if err != nil {
				continue
			}
			if bestInfo == nil || info.ModTime().After(bestInfo.ModTime()) {
				best, bestInfo = full, info
			}
		}
		if best != "" {
			return best, bestInfo
		}
	}
	return "", nil
}

var (
	percentRe = regexp.MustCompile(`(\d{1,3})%\|`)
	iterRe    = regexp.MustCompile(`\[ITER (\d+)\]`)
)

// ParseTrainingProgress extracts a completion fraction from one line of training output.
// It understands tqdm bars ("45%|###") and "[ITER 500]" checkpoints.
func ParseTrainingProgress(line string, iterations int) (float64, bool) {
	if m := percentRe.FindAllStringSubmatch(line, -1); len(m) > 0 {
		p, err := strconv.Atoi(m[len(m)-1][1])
		if err == nil && p >= 0 && p <= 100 {
			return float64(p) / 100, true
		}
	}
	if iterations > 0 {
		if m := iterRe.FindStringSubmatch(line); m != nil {
			it, err := strconv.Atoi(m[1])
			if err == nil {
				f := float64(it) / float64(iterations)
				if f > 1 {
					f = 1
				}
				return f, true
			}
		}
	}
	return 0, false
}
