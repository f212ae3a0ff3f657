// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package host

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/kernelspec/backends"
	"github.com/gomlx/kernelspec/pkg/core/kernel"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	RegisterBody("host_test_add", func(ctx context.Context, tv kernel.TemplateValues, args *Args) error {
		x, err := Arg[*kernel.HostArray[int32]](args, "x")
		if err != nil {
			return err
		}
		delta, _ := tv.Get("delta")
		for ii := range x.Data {
			x.Data[ii] += int32(delta.(int))
		}
		return nil
	})
	RegisterBody("host_test_fail", func(ctx context.Context, tv kernel.TemplateValues, args *Args) error {
		if fail, _ := tv.Get("panic"); fail == true {
			panic(errors.New("boom"))
		}
		return errors.New("failed")
	})
}

func usedX() *kernel.UsedSet {
	return kernel.NewUsedSet(kernel.Leaf{Path: kernel.Path{"x"}, Kind: kernel.ArrayArg, DType: dtypes.Int32})
}

func compile(t *testing.T, b *Backend, name string, tv kernel.TemplateValues) backends.Executable {
	ctx := context.Background()
	ir := must.M1(b.ParseAndLower(ctx, kernel.CallSite{Name: name}, tv))
	return must.M1(b.Compile(ctx, ir, usedX()))
}

func TestRegistration(t *testing.T) {
	assert.Contains(t, backends.List(), BackendName)
	b := must.M1(backends.NewWithConfig("host:async,parallelism=2"))
	defer b.Finalize()
	assert.Equal(t, BackendName, b.Name())
	assert.True(t, b.(*Backend).IsAsync())

	_, err := backends.NewWithConfig("host:warp_speed")
	require.Error(t, err)
	_, err = backends.NewWithConfig("host:lower_delay=fast")
	require.Error(t, err)
}

func TestLaunch(t *testing.T) {
	for _, config := range []string{"", "async,parallelism=2"} {
		t.Run("config="+config, func(t *testing.T) {
			b := must.M1(NewBackend(config))
			defer b.Finalize()
			exec := compile(t, b, "host_test_add", kernel.TemplateValues{{Name: "delta", Value: 3}})
			x := kernel.NewHostArray[int32](10)
			for range 4 {
				require.NoError(t, exec.Launch(context.Background(), []any{x}))
				// Launches of the same array are serialized by the barrier.
				require.NoError(t, b.Barrier())
			}
			for _, v := range x.Data {
				assert.Equal(t, int32(12), v)
			}
			assert.Equal(t, int64(4), b.NumLaunches())
			require.Error(t, exec.Launch(context.Background(), nil))
		})
	}
}

func TestLaunchErrors(t *testing.T) {
	b := must.M1(NewBackend("async"))
	defer b.Finalize()
	exec := compile(t, b, "host_test_fail", nil)
	require.NoError(t, exec.Launch(context.Background(), []any{nil}))
	err := b.Barrier()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed")
	require.NoError(t, b.Barrier(), "error must be reported only once")

	exec = compile(t, b, "host_test_fail", kernel.TemplateValues{{Name: "panic", Value: true}})
	require.NoError(t, exec.Launch(context.Background(), []any{nil}))
	err = b.Barrier()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")

	_, err = b.ParseAndLower(context.Background(), kernel.CallSite{Name: "host_test_unknown"}, nil)
	require.Error(t, err)
}

func TestOverlappingLowerings(t *testing.T) {
	b := must.M1(NewBackend("lower_delay=50ms"))
	defer b.Finalize()
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for ii := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[ii] = b.ParseAndLower(context.Background(), kernel.CallSite{Name: "host_test_add"}, nil)
		}()
		time.Sleep(10 * time.Millisecond)
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.ErrorIs(t, errs[1], ErrOverlappingLowering)
}

func TestSerialize(t *testing.T) {
	b := must.M1(NewBackend(""))
	defer b.Finalize()
	tv := kernel.TemplateValues{
		{Name: "delta", Value: 2},
		{Name: "flag", Value: true},
		{Name: "scale", Value: float32(0.5)},
		{Name: "mode", Value: "fast"},
		{Name: "small", Value: int8(-3)},
	}
	exec := compile(t, b, "host_test_add", tv)
	blob := must.M1(exec.Serialize())

	b2 := must.M1(NewBackend(""))
	defer b2.Finalize()
	loaded := must.M1(b2.Load(blob))
	assert.Equal(t, int64(1), b2.NumLoads())
	assert.Equal(t, int64(0), b2.NumCompilations())
	assert.Equal(t, tv, loaded.(*Executable).templates)
	assert.Equal(t, []string{"x"}, loaded.(*Executable).Paths())

	x := kernel.NewHostArray[int32](3)
	require.NoError(t, loaded.Launch(context.Background(), []any{x}))
	assert.Equal(t, []int32{2, 2, 2}, x.Data)

	_, err := compile(t, b, "host_test_add", kernel.TemplateValues{{Name: "f", Value: func() {}}}).Serialize()
	require.Error(t, err)
	_, err = b2.Load([]byte(`{"body":"host_test_unknown"}`))
	require.Error(t, err)
}
