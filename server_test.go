package netcall

import (
	"strings"
	"testing"

	"github.com/fortytw2/leaktest"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

type calcService struct{}

func (calcService) Add(a, b int) int { return a + b }

func (calcService) Greet(name string) (string, error) {
	if name == "" {
		return "", errors.New("empty name")
	}
	return "hello " + name, nil
}

func (calcService) Touch() {}

func (calcService) Fail() error { return errors.New("always fails") }

// variadic methods are not registrable
func (calcService) Sum(ns ...int) int { return 0 }

func Test_Server_RegisterMethods(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	names := srv.RegisterMethods(calcService{})
	assert.Contains(t, names, "Add")
	assert.Contains(t, names, "Greet")
	assert.Contains(t, names, "Touch")
	assert.Contains(t, names, "Fail")
	assert.NotContains(t, names, "Sum")

	result, err := cli.Call("Add", 2, 3)
	assert.NoError(t, err)
	assert.Equal(t, 5, result)

	result, err = cli.Call("Greet", "world")
	assert.NoError(t, err)
	assert.Equal(t, "hello world", result)

	result, err = cli.Call("Touch")
	assert.NoError(t, err)
	assert.Nil(t, result)

	_, err = cli.Call("Fail")
	re, ok := errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.Equal(t, "always fails", re.Exc.Message)

	_, err = cli.Call("Greet", "")
	re, ok = errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.Equal(t, "empty name", re.Exc.Message)
}

func Test_Server_RegisterMethodsArgMismatch(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	srv.RegisterMethods(calcService{})

	_, err := cli.Call("Add", 1)
	re, ok := errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.Contains(t, re.Exc.Message, "want 2 arguments")

	_, err = cli.Call("Add", "x", "y")
	re, ok = errors.Cause(err).(RemoteError)
	assert.True(t, ok)
	assert.True(t, strings.Contains(re.Exc.Message, "cannot use"))
}

func Test_Server_DynamicRegistration(t *testing.T) {
	defer leaktest.Check(t)()
	srv, cli, stop := newTestPair(t)
	defer stop()
	_, err := cli.Call("late")
	assert.IsType(t, NoSuchMethodError{}, errors.Cause(err))

	srv.Register("late", func(args []interface{}) (interface{}, error) {
		return "registered", nil
	})
	result, err := cli.Call("late")
	assert.NoError(t, err)
	assert.Equal(t, "registered", result)
}

func Test_Server_RoundRobinAcrossInstances(t *testing.T) {
	defer leaktest.Check(t)()
	hub := NewInprocHub()
	var servers []*Server
	for i := 0; i < 3; i++ {
		srv := NewServer(hub.Bind())
		id := srv.ID
		srv.Register("whoami", func(args []interface{}) (interface{}, error) {
			return id, nil
		})
		srv.Start()
		servers = append(servers, srv)
	}
	cli := NewClient(hub.Connect())

	counts := make(map[string]int)
	const rounds = 30
	for i := 0; i < rounds; i++ {
		result, err := cli.Call("whoami")
		assert.NoError(t, err)
		counts[result.(string)]++
	}
	assert.Equal(t, 3, len(counts))
	for id, n := range counts {
		assert.Equal(t, rounds/3, n, id)
	}

	assert.NoError(t, cli.Close())
	for _, srv := range servers {
		assert.NoError(t, srv.Stop())
	}
}

func Test_Server_StopUnblocksServe(t *testing.T) {
	defer leaktest.Check(t)()
	hub := NewInprocHub()
	srv := NewServer(hub.Bind())
	served := make(chan error, 1)
	go func() { served <- srv.Serve() }()
	assert.NoError(t, srv.Stop())
	assert.NoError(t, <-served)
}
