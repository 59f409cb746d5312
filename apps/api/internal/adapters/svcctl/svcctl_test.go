package svcctl

import (
	"context"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
	"github.com/juju/errors"
	"go.uber.org/mock/gomock"

	"github.com/nebula-panel/nebula/packages/lib/failure"
	"github.com/nebula-panel/nebula/packages/lib/hostexec"
	"github.com/nebula-panel/nebula/packages/lib/hostexec/mocks"
)

func TestSystemctlReload(t *testing.T) {
	c := qt.New(t)
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)

	runner.EXPECT().Run(gomock.Any(), hostexec.Command{Name: "systemctl", Args: []string{"reload", "nginx.service"}, Timeout: time.Minute}).
		Return(hostexec.Result{}, nil)

	c.Assert(NewSystemctl(runner, time.Minute).Reload(context.Background(), "nginx"), qt.IsNil)
}

func TestSystemctlActiveStateInactive(t *testing.T) {
	c := qt.New(t)
	ctrl := gomock.NewController(t)
	runner := mocks.NewMockRunner(ctrl)

	runner.EXPECT().Run(gomock.Any(), gomock.Any()).
		Return(hostexec.Result{Output: "inactive", ExitCode: 3}, failure.Tool("systemctl", "inactive", errors.New("exit status 3")))

	state, err := NewSystemctl(runner, time.Minute).ActiveState(context.Background(), "postfix")
	c.Assert(err, qt.IsNil)
	c.Assert(state, qt.Equals, "inactive")
}

func TestUnitName(t *testing.T) {
	c := qt.New(t)
	c.Assert(unitName("nginx"), qt.Equals, "nginx.service")
	c.Assert(unitName("docker.socket"), qt.Equals, "docker.socket")
}
