// Copyright (C) 2022 K2 Cyber Security Inc.

/*
Package interpose redirects functions of the running process and patches
bytes of its loaded modules.

# Hooking

The first bytes of the ORIGINAL function are replaced by a jump to the
REPLACEMENT. The instructions that were overwritten are moved into a
TRAMPOLINE, followed by a jump back to the rest of the original, so calling
the trampoline behaves like calling the original before it was hooked.

	ORIGINAL                 TRAMPOLINE
	  jmp REPLACEMENT          moved instructions
	  rest of the body  <----  jmp ORIGINAL+n

The trampoline is complete before the jump is written. Two strategies move
the instructions: StrategyDirect copies them and refuses PC-relative code,
StrategyRelocate rewrites branches and PC-relative operands for their new
address.

Go replacements are entered through a small thunk that loads the
replacement closure into the context register, so capturing closures work.
Hook and RegisterHook are for routines called with Go's calling
convention:

	var h *interpose.Handle[func(string) error]
	h, err := interpose.Hook(ip, license.Check,
		func(key string) error {
			log.Println("license", key)
			return h.Original()(key)
		})

Routines of native libraries are redirected to native code, for example
a function exported by a cgo or C shared object, and the trampoline is
called from there:

	tr, err := ip.RegisterNative("libgame.so", "checkLicense", replacementAddr)
	...
	orig := tr.Addr() // call this address to run the original checkLicense

# Patching

A Patch names a module, an offset from its base and the bytes to write.
Pages are made writable only for the copy and get their previous
protection back afterwards.

	ip := interpose.New(interpose.WithManifest("interpose.yaml"))
	if err := ip.Init(setupHooks); err != nil {
		...
	}
*/
package interpose
