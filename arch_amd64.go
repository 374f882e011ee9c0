package interpose

var hostArch arch = x86{}
