package interpose

var hostArch arch = a64{}
