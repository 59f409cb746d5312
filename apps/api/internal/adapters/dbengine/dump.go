package dbengine

import (
	"os"
	"path/filepath"

	"github.com/juju/errors"
)

const dumpStamp = "20060102_150405"

func dumpPath(req DumpRequest) string {
	return filepath.Join(req.Dir, req.Name+"_"+req.At.UTC().Format(dumpStamp)+".sql")
}

func readDump(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, errors.NotFoundf("dump file %s", path)
	}
	if err != nil {
		return nil, errors.Annotatef(err, "read dump %s", path)
	}
	return data, nil
}

func statDump(path string) error {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return errors.NotFoundf("dump file %s", path)
	}
	return errors.Annotatef(err, "stat dump %s", path)
}
