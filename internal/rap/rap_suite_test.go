package rap_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestRAPSuite(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "RAP convergence suite")
}
