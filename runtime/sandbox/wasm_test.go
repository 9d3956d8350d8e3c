package sandbox

// Hand-encoded wasm modules for tests. Building the binaries byte by byte
// keeps the tests free of toolchain fixtures and makes the encoding under
// test explicit.

func uleb128(n uint64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if n == 0 {
			return out
		}
	}
}

func sleb128(n int64) []byte {
	var out []byte
	for {
		b := byte(n & 0x7f)
		n >>= 7
		done := (n == 0 && b&0x40 == 0) || (n == -1 && b&0x40 != 0)
		if !done {
			b |= 0x80
		}
		out = append(out, b)
		if done {
			return out
		}
	}
}

func wasmSection(id byte, payload []byte) []byte {
	out := []byte{id}
	out = append(out, uleb128(uint64(len(payload)))...)
	return append(out, payload...)
}

func wasmName(s string) []byte {
	return append(uleb128(uint64(len(s))), s...)
}

// buildTestModule emits a module with one (i32,i32)->(i32,i32) function
// exported under exportName, a 2-page memory, and optionally a data segment
// at offset 0.
func buildTestModule(exportName string, body []byte, data []byte) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	// type: (i32, i32) -> (i32, i32)
	typeSec := []byte{0x01, 0x60, 0x02, 0x7f, 0x7f, 0x02, 0x7f, 0x7f}
	mod = append(mod, wasmSection(1, typeSec)...)

	// one function of type 0
	mod = append(mod, wasmSection(3, []byte{0x01, 0x00})...)

	// memory: min 2 pages, no max
	mod = append(mod, wasmSection(5, []byte{0x01, 0x00, 0x02})...)

	// exports: the function plus the memory
	exportSec := []byte{0x02}
	exportSec = append(exportSec, wasmName(exportName)...)
	exportSec = append(exportSec, 0x00, 0x00) // func 0
	exportSec = append(exportSec, wasmName("memory")...)
	exportSec = append(exportSec, 0x02, 0x00) // memory 0
	mod = append(mod, wasmSection(7, exportSec)...)

	// code: one body
	entry := append(uleb128(uint64(len(body))), body...)
	codeSec := append([]byte{0x01}, entry...)
	mod = append(mod, wasmSection(10, codeSec)...)

	if len(data) > 0 {
		// active segment in memory 0 at offset 0
		dataSec := []byte{0x01, 0x00, 0x41, 0x00, 0x0b}
		dataSec = append(dataSec, uleb128(uint64(len(data)))...)
		dataSec = append(dataSec, data...)
		mod = append(mod, wasmSection(11, dataSec)...)
	}
	return mod
}

// responderModule returns the given bytes from every execute call: the body
// ignores its arguments and returns (0, len(response)) pointing at a data
// segment.
func responderModule(response []byte) []byte {
	body := []byte{0x00, 0x41, 0x00} // no locals, i32.const 0
	body = append(body, 0x41)
	body = append(body, sleb128(int64(len(response)))...)
	body = append(body, 0x0b) // end
	return buildTestModule("execute", body, response)
}

// loopingModule never returns from execute
func loopingModule() []byte {
	body := []byte{0x00, 0x03, 0x40, 0x0c, 0x00, 0x0b, 0x00, 0x0b}
	return buildTestModule("execute", body, nil)
}

// trappingModule hits unreachable immediately
func trappingModule() []byte {
	body := []byte{0x00, 0x00, 0x0b}
	return buildTestModule("execute", body, nil)
}
