package feature

import "fmt"

// SPoC 对特征图做 sum pooling（宽 + 高），(1, C, H, W) -> (C)
// 已经是 (1, C) 或 (C) 的输出原样返回
func SPoC(data []float32, shape []int64) ([]float32, error) {
	dims := shape
	if len(dims) == 4 || len(dims) == 2 {
		if dims[0] != 1 {
			return nil, fmt.Errorf("batch size %d, want 1", dims[0])
		}
		dims = dims[1:]
	}

	switch len(dims) {
	case 1:
		if int(dims[0]) != len(data) {
			return nil, fmt.Errorf("shape %v does not match %d values", shape, len(data))
		}
		out := make([]float32, len(data))
		copy(out, data)
		return out, nil
	case 3:
		c, spatial := int(dims[0]), int(dims[1]*dims[2])
		if c*spatial != len(data) {
			return nil, fmt.Errorf("shape %v does not match %d values", shape, len(data))
		}
		out := make([]float32, c)
		for ch := 0; ch < c; ch++ {
			var sum float32
			for _, v := range data[ch*spatial : (ch+1)*spatial] {
				sum += v
			}
			out[ch] = sum
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported feature shape %v", shape)
	}
}
