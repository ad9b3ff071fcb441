package main

import (
	"testing"

	"github.com/cautelapp/carelink/internal/testutils"
	"github.com/stretchr/testify/suite"
)

type UnbindTestSuite struct {
	CommandTestSuite
}

func (s *UnbindTestSuite) TestStopMonitoring() {
	s.api.AddOwned(testutils.FakeAdult{AdultID: 7, PhysicalID: "CA-0007", Name: "Ana Ruiz"})

	res := s.Execute("", "unbind", "7")
	s.Require().NoError(res.err)
	s.Equal("Stopped monitoring adult #7\n", res.stdout)
	s.Empty(s.api.Owned())
}

func (s *UnbindTestSuite) TestUnknownAdult() {
	res := s.Execute("", "unbind", "12")
	s.Require().Error(res.err)
	s.Equal("Adulto mayor no encontrado", FormatUserError(res.err))
}

func (s *UnbindTestSuite) TestInvalidID() {
	res := s.Execute("", "unbind", "abc")
	s.Require().Error(res.err)
	s.Contains(res.err.Error(), `invalid adult id "abc"`)
	s.Empty(s.api.Requests())
}

func TestUnbindTestSuite(t *testing.T) {
	suite.Run(t, new(UnbindTestSuite))
}
