// Package policy provides the admission gate consulted during template
// validation, before any stack operation executes.
//
// Policies are OPA rego modules evaluated once per resource definition with
// input of the form
//
//	{
//	    "stack_name": "web",
//	    "tenant": "acme",
//	    "resource": {
//	        "name": "server",
//	        "type": "sim.Instance",
//	        "properties": {"ImageId": "img-2204"}
//	    }
//	}
//
// A module flags a resource by adding entries to its deny set. Entries are
// plain strings or objects with message and severity fields. Error-severity
// violations reject the submission as validation failures; warnings are
// logged and let it pass.
//
// Builtin policies ship in the binary: resource naming, reserved type
// namespaces and owner tags. Site policies are .rego files loaded from
// configured paths; the leading comment block supplies the description and
// an optional "# severity:" default. Watch hot-reloads the file set when a
// watched path changes and keeps the current set if the new one fails to
// compile.
package policy
