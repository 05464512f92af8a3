// Metachain node as a C shared library.
//
// Build:
//
//	go build -buildmode=c-shared -o libmetachain.so ./cmd/libmetachain
//
// The host calls MetaRun once with its command line, then MetaMintBlock and
// MetaConnectBlock as needed, and MetaInterrupt before exiting. Every
// MetaResult must be released with MetaFreeResult.
package main

/*
#include <stdint.h>
#include <stdlib.h>

typedef struct {
	int is_help;
	int success;
	int daemon;
} MetaExecResult;

typedef struct {
	const char *from;
	const char *to;
	int64_t amount;
} MetaTx;

typedef struct {
	int ok;
	unsigned char *payload;
	size_t payload_len;
	MetaTx *txs;
	int txs_len;
	char *error;
} MetaResult;
*/
import "C"

import (
	"unsafe"

	"github.com/Klingon-tech/metachain/internal/boundary"
	"github.com/Klingon-tech/metachain/pkg/block"
)

var host = boundary.New(nil)

func boolInt(v bool) C.int {
	if v {
		return 1
	}
	return 0
}

// toC copies res into C memory.
func toC(res boundary.Result) C.MetaResult {
	out := C.MetaResult{ok: boolInt(res.OK)}
	if len(res.Payload) > 0 {
		out.payload = (*C.uchar)(C.CBytes(res.Payload))
		out.payload_len = C.size_t(len(res.Payload))
	}
	if n := len(res.External); n > 0 {
		out.txs = (*C.MetaTx)(C.malloc(C.size_t(n) * C.size_t(unsafe.Sizeof(C.MetaTx{}))))
		out.txs_len = C.int(n)
		items := unsafe.Slice(out.txs, n)
		for i, tx := range res.External {
			items[i].from = C.CString(tx.From)
			items[i].to = C.CString(tx.To)
			items[i].amount = C.int64_t(tx.Amount)
		}
	}
	if res.Error != "" {
		out.error = C.CString(res.Error)
	}
	return out
}

func goTxs(txs *C.MetaTx, n C.int) []block.ExternalTx {
	if txs == nil || n <= 0 {
		return nil
	}
	items := unsafe.Slice(txs, int(n))
	out := make([]block.ExternalTx, 0, len(items))
	for _, tx := range items {
		out = append(out, block.ExternalTx{
			From:   C.GoString(tx.from),
			To:     C.GoString(tx.to),
			Amount: int64(tx.amount),
		})
	}
	return out
}

//export MetaRun
func MetaRun(argv **C.char, argc C.int) C.MetaExecResult {
	var args []string
	if argv != nil && argc > 0 {
		for _, a := range unsafe.Slice(argv, int(argc)) {
			args = append(args, C.GoString(a))
		}
	}
	// argv[0] is the program name.
	if len(args) > 0 {
		args = args[1:]
	}
	res := host.Run(args)
	return C.MetaExecResult{
		is_help: boolInt(res.IsHelp),
		success: boolInt(res.Success),
		daemon:  boolInt(res.Daemon),
	}
}

//export MetaMintBlock
func MetaMintBlock(txs *C.MetaTx, n C.int) C.MetaResult {
	return toC(host.MintBlock(goTxs(txs, n)))
}

//export MetaConnectBlock
func MetaConnectBlock(payload *C.uchar, length C.size_t, txs *C.MetaTx, n C.int) C.MetaResult {
	var data []byte
	if payload != nil && length > 0 {
		data = C.GoBytes(unsafe.Pointer(payload), C.int(length))
	}
	return toC(host.ConnectBlock(data, goTxs(txs, n)))
}

//export MetaInterrupt
func MetaInterrupt() C.MetaResult {
	return toC(host.RequestInterrupt())
}

//export MetaFreeResult
func MetaFreeResult(res C.MetaResult) {
	if res.payload != nil {
		C.free(unsafe.Pointer(res.payload))
	}
	if res.txs != nil {
		for _, tx := range unsafe.Slice(res.txs, int(res.txs_len)) {
			C.free(unsafe.Pointer(tx.from))
			C.free(unsafe.Pointer(tx.to))
		}
		C.free(unsafe.Pointer(res.txs))
	}
	if res.error != nil {
		C.free(unsafe.Pointer(res.error))
	}
}

func main() {}
