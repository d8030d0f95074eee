/*
 *	Copyright 2023 Jan Pfeifer
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package shapes

import (
	"testing"

	. "github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	invalidShape := Invalid()
	require.False(t, invalidShape.Ok())

	shape0 := Make(Float64, LayoutInvalid)
	require.True(t, shape0.Ok())
	require.True(t, shape0.IsScalar())
	require.Equal(t, 1, shape0.Size())
	require.Equal(t, 8, int(shape0.Memory()))

	shape1 := MakeNCHW(Float32, 2, 3, 4, 5)
	require.Equal(t, 4, shape1.Rank())
	require.Equal(t, 2*3*4*5, shape1.Size())
	require.Equal(t, 4*2*3*4*5, int(shape1.Memory()))
	require.Equal(t, 5, shape1.Dim(-1))
	require.Equal(t, "(Float32)[2 3 4 5]@NCHW", shape1.String())
	require.True(t, shape1.Equal(shape1.Clone()))
	require.False(t, shape1.Equal(shape1.WithDType(Int8)))
	require.True(t, shape1.EqualDimensions(shape1.WithDType(Int8)))

	require.Panics(t, func() { _ = Make(Float32, LayoutNCHW, 1, 2, 3) })
	require.Panics(t, func() { _ = Make(Float32, LayoutNC, 1, -2) })
	require.Panics(t, func() { _ = shape1.Dim(4) })
}

func TestImageAxes(t *testing.T) {
	nchw := MakeNCHW(Int8, 2, 3, 4, 5)
	require.Equal(t, []int{2, 3, 4, 5}, []int{nchw.Num(), nchw.Channel(), nchw.Height(), nchw.Width()})
	require.Equal(t, 1, nchw.ChannelAxis())

	nhwc := Make(Int8, LayoutNHWC, 2, 4, 5, 3)
	require.Equal(t, []int{2, 3, 4, 5}, []int{nhwc.Num(), nhwc.Channel(), nhwc.Height(), nhwc.Width()})
	require.Equal(t, 3, nhwc.ChannelAxis())

	nc := Make(Float32, LayoutNC, 7, 9)
	require.Equal(t, 1, nc.Height())
	require.Equal(t, 9, nc.Channel())
}

func TestWildcards(t *testing.T) {
	contract := Make(Float32, LayoutNCHW, -1, 3, -1, -1)
	require.False(t, contract.IsFullyDefined())
	require.Equal(t, 0, contract.Size())
	require.True(t, contract.IsCompatible(MakeNCHW(Float32, 8, 3, 32, 32)))
	require.False(t, contract.IsCompatible(MakeNCHW(Float32, 8, 4, 32, 32)))
	require.False(t, contract.IsCompatible(Make(Float32, LayoutNC, 8, 3)))

	require.NoError(t, MakeNCHW(Float32, 8, 3, 32, 32).CheckDims(-1, 3, -1, 32))
	require.Error(t, MakeNCHW(Float32, 8, 3, 32, 32).CheckDims(-1, 4, -1, 32))
	require.Error(t, MakeNCHW(Float32, 8, 3, 32, 32).CheckRank(3))
	require.Panics(t, func() { AssertRank(MakeNCHW(Float32, 8, 3, 32, 32), 2) })
}
