package main

import (
	"bytes"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/biorec/internal/device"
	"github.com/srg/biorec/internal/testutils"
	"github.com/stretchr/testify/suite"
)

// CommandTestSuite routes the commands to a fake transport. All cmd/biorec
// suites embed it.
type CommandTestSuite struct {
	suite.Suite
	Helper    *testutils.TestHelper
	Transport *testutils.FakeTransport

	originalFactory func(string, *logrus.Logger) (device.Transport, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Transport = testutils.NewFakeTransport()
	s.originalFactory = transportFactory
	transportFactory = func(string, *logrus.Logger) (device.Transport, error) {
		return s.Transport, nil
	}
}

func (s *CommandTestSuite) TearDownTest() {
	transportFactory = s.originalFactory
}

// ExecuteCommand runs a cobra command with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(cmd *cobra.Command, args ...string) (string, error) {
	buf := new(bytes.Buffer)
	cmd.SetOut(buf)
	cmd.SetErr(buf)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return buf.String(), err
}
